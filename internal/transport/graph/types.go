package graph

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/shineum/mail-relay/internal/email"
)

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// Wire format of POST /users/{id}/sendMail.
type (
	sendMailRequest struct {
		Message         graphMessage `json:"message"`
		SaveToSentItems bool         `json:"saveToSentItems"`
	}

	graphMessage struct {
		Subject                string        `json:"subject"`
		Body                   itemBody      `json:"body"`
		From                   *recipient    `json:"from,omitempty"`
		ToRecipients           []recipient   `json:"toRecipients"`
		CcRecipients           []recipient   `json:"ccRecipients,omitempty"`
		BccRecipients          []recipient   `json:"bccRecipients,omitempty"`
		ReplyTo                []recipient   `json:"replyTo,omitempty"`
		InternetMessageID      string        `json:"internetMessageId,omitempty"`
		InternetMessageHeaders []header      `json:"internetMessageHeaders,omitempty"`
		Attachments            []fileContent `json:"attachments,omitempty"`
	}

	itemBody struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	}

	recipient struct {
		EmailAddress mailbox `json:"emailAddress"`
	}

	mailbox struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	}

	header struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	fileContent struct {
		ODataType    string `json:"@odata.type"`
		Name         string `json:"name"`
		ContentType  string `json:"contentType"`
		ContentBytes string `json:"contentBytes"`
	}

	// errorEnvelope is the body of a failed Graph call.
	errorEnvelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

func toRecipients(addrs []string) []recipient {
	out := make([]recipient, len(addrs))
	for i, a := range addrs {
		out[i] = recipient{EmailAddress: mailbox{Address: a}}
	}
	return out
}

// buildSendMailRequest maps msg onto a sendMail body. The HTML body wins
// over the text body. Graph rejects custom headers that do not start with
// "X-", so those are left out.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	m := graphMessage{
		Subject:           msg.Subject,
		Body:              itemBody{ContentType: "text", Content: msg.TextBody},
		ToRecipients:      toRecipients(msg.To),
		CcRecipients:      toRecipients(msg.Cc),
		BccRecipients:     toRecipients(msg.Bcc),
		InternetMessageID: msg.MessageID,
	}
	if msg.HTMLBody != "" {
		m.Body = itemBody{ContentType: "html", Content: msg.HTMLBody}
	}
	if msg.From != "" {
		m.From = &recipient{EmailAddress: mailbox{Address: msg.From, Name: msg.FromName}}
	}
	if msg.ReplyTo != "" {
		m.ReplyTo = toRecipients([]string{msg.ReplyTo})
	}

	for name, value := range msg.Headers {
		if len(name) > 2 && strings.EqualFold(name[:2], "x-") {
			m.InternetMessageHeaders = append(m.InternetMessageHeaders, header{Name: name, Value: value})
		}
	}
	sort.Slice(m.InternetMessageHeaders, func(i, j int) bool {
		return m.InternetMessageHeaders[i].Name < m.InternetMessageHeaders[j].Name
	})

	for _, att := range msg.Attachments {
		m.Attachments = append(m.Attachments, fileContent{
			ODataType:    fileAttachmentType,
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}
	return &sendMailRequest{Message: m}
}
