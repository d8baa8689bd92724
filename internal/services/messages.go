package services

import (
	"strings"
)

// Notice keys rendered through Messages.
const (
	NoticeConcurrentClaim = "concurrent-claim-error"
	NoticeGiftClaimed     = "gift-claimed"
	NoticeAllGiftsClaimed = "all-gifts-claimed"
	NoticeNoGifts         = "no-gifts-to-claim"
	NoticeGiftExpired     = "gift-expired"
	NoticeInventoryFull   = "inventory-full"
	NoticeClaimFailed     = "loading-error"
	NoticeJoin            = "join-notification"
	NoticeGiftSent        = "gift-sent"
)

// Messages renders user-facing notices. Replacements map placeholders such as
// "%amount%" to their values.
type Messages interface {
	Render(key string, replacements map[string]string) string
}

// TemplateMessages renders templates with a common prefix.
type TemplateMessages struct {
	Prefix    string
	Templates map[string]string
}

// DefaultMessageTemplates lists the built-in template for every notice key.
func DefaultMessageTemplates() map[string]string {
	return map[string]string{
		NoticeConcurrentClaim: "Please wait, your previous claim is still being processed.",
		NoticeGiftClaimed:     "You claimed a gift.",
		NoticeAllGiftsClaimed: "You claimed %amount% gift(s).",
		NoticeNoGifts:         "There are no gifts to claim.",
		NoticeGiftExpired:     "That gift has expired.",
		NoticeInventoryFull:   "Your inventory is full.",
		NoticeClaimFailed:     "Failed to load gifts. Please try again.",
		NoticeJoin:            "You have %amount% gift(s) waiting in your mailbox.",
		NoticeGiftSent:        "Gift sent to %player%.",
	}
}

// Render looks up key, applies replacements and prepends the prefix. Unknown
// keys render a placeholder naming the key.
func (m TemplateMessages) Render(key string, replacements map[string]string) string {
	template, ok := m.Templates[key]
	if !ok {
		template, ok = DefaultMessageTemplates()[key]
	}
	if !ok {
		template = "Message not found: " + key
	}

	if len(replacements) > 0 {
		pairs := make([]string, 0, len(replacements)*2)
		for placeholder, value := range replacements {
			pairs = append(pairs, placeholder, value)
		}
		template = strings.NewReplacer(pairs...).Replace(template)
	}
	return m.Prefix + template
}
