package whatsapp

import (
	"encoding/json"
	"fmt"
)

// InboundText is one text message extracted from a webhook delivery.
type InboundText struct {
	Sender      string // phone number ("from")
	MessageID   string // provider wamid, the dedup key
	Text        string
	ProfileName string // contact display name, when the payload carries it
}

// webhookPayload mirrors the Meta Cloud API webhook envelope. Only the
// fields the pipeline consumes are declared.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts the text messages from a webhook body. Status
// updates and non-text message types are skipped, not errors; a body
// that is not a WhatsApp Business notification yields zero messages.
func ParseWebhook(body []byte) ([]InboundText, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	if payload.Object != "whatsapp_business_account" {
		return nil, nil
	}

	var out []InboundText
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			profiles := make(map[string]string)
			for _, contact := range change.Value.Contacts {
				if contact.Profile.Name != "" {
					profiles[contact.WaID] = contact.Profile.Name
				}
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.From == "" || msg.ID == "" {
					continue
				}
				out = append(out, InboundText{
					Sender:      msg.From,
					MessageID:   msg.ID,
					Text:        msg.Text.Body,
					ProfileName: profiles[msg.From],
				})
			}
		}
	}
	return out, nil
}
