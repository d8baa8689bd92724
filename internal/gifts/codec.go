package gifts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPayload is returned when an item has no type.
var ErrEmptyPayload = errors.New("gift item has no type")

// Codec turns an item into the opaque string stored next to its quantity.
// Decode(Encode(item), item.Quantity) must reproduce the item.
type Codec interface {
	Encode(item Item) (string, error)
	Decode(encoded string, quantity int) (Item, error)
}

// JSONCodec stores items as base64 encoded JSON documents.
type JSONCodec struct{}

type encodedItem struct {
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Encode serialises everything except the quantity.
func (JSONCodec) Encode(item Item) (string, error) {
	if strings.TrimSpace(item.Type) == "" {
		return "", ErrEmptyPayload
	}
	raw, err := json.Marshal(encodedItem{
		Type:       item.Type,
		Name:       item.Name,
		Attributes: item.Attributes,
	})
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode restores an item and reattaches its quantity.
func (JSONCodec) Decode(encoded string, quantity int) (Item, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	var doc encodedItem
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	if doc.Type == "" {
		return Item{}, ErrEmptyPayload
	}
	return Item{
		Type:       doc.Type,
		Name:       doc.Name,
		Attributes: doc.Attributes,
		Quantity:   quantity,
	}, nil
}
