package app

import (
	"strings"

	"github.com/charlesng35/giftbox/internal/services"
)

// NoticeTemplates merges configured templates over the built-in defaults.
func (c MessagesConfig) NoticeTemplates() services.TemplateMessages {
	templates := services.DefaultMessageTemplates()
	for key, value := range c.Templates {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" || value == "" {
			continue
		}
		templates[key] = value
	}
	return services.TemplateMessages{Prefix: c.Prefix, Templates: templates}
}

// ReadPolicy parses the configured read failure policy.
func (c APIConfig) ReadPolicy() (services.ReadFailurePolicy, error) {
	return services.ParseReadFailurePolicy(c.ReadFailurePolicy)
}
