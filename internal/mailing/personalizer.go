package mailing

import (
	"fmt"
	"html"
	"strings"

	"github.com/ignite/audience-dispatch/internal/domain"
)

// TokenIssuer mints opt-out tokens for an address.
type TokenIssuer interface {
	Issue(address string) string
}

// Content is the unrendered campaign content.
type Content struct {
	Subject  string
	Body     string
	HTMLBody string
}

// Message is content rendered for one recipient.
type Message struct {
	Subject        string
	Body           string
	HTMLBody       string
	UnsubscribeURL string
}

// Personalizer renders campaign content per recipient and, on email,
// appends the unsubscribe block after the template has rendered so no
// template can leave it out.
type Personalizer struct {
	templates *TemplateService
	tokens    TokenIssuer
	baseURL   string
}

// NewPersonalizer builds unsubscribe links as
// <baseURL>/campaigns/unsubscribe/<token>.
func NewPersonalizer(templates *TemplateService, tokens TokenIssuer, baseURL string) *Personalizer {
	if templates == nil {
		templates = NewTemplateService()
	}
	return &Personalizer{
		templates: templates,
		tokens:    tokens,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// Render merges data into tpl.
func (p *Personalizer) Render(tpl string, data map[string]string) string {
	return p.templates.Render(tpl, data)
}

// UnsubscribeURL returns the public opt-out link for address.
func (p *Personalizer) UnsubscribeURL(address string) string {
	return p.baseURL + "/campaigns/unsubscribe/" + p.tokens.Issue(address)
}

// RenderMessage renders c for the recipient at address.
func (p *Personalizer) RenderMessage(channel domain.Channel, c Content, address string, data map[string]string) Message {
	msg := Message{Body: p.templates.Render(c.Body, data)}
	if channel != domain.ChannelEmail {
		return msg
	}

	msg.Subject = p.templates.Render(c.Subject, data)
	msg.UnsubscribeURL = p.UnsubscribeURL(address)
	msg.Body = appendTextFooter(msg.Body, msg.UnsubscribeURL)
	if c.HTMLBody != "" {
		msg.HTMLBody = appendHTMLFooter(p.templates.RenderHTML(c.HTMLBody, data), msg.UnsubscribeURL)
	}
	return msg
}

const footerNotice = "You are receiving this email because you are on our contact list."

func appendTextFooter(body, link string) string {
	return strings.TrimRight(body, "\n") + "\n\n--\n" + footerNotice + "\nUnsubscribe: " + link + "\n"
}

func appendHTMLFooter(body, link string) string {
	block := fmt.Sprintf(`<div style="margin-top:24px;font-size:12px;color:#888888;text-align:center">%s <a href="%s">Unsubscribe</a></div>`,
		footerNotice, html.EscapeString(link))
	lower := strings.ToLower(body)
	if i := strings.LastIndex(lower, "</body>"); i >= 0 {
		return body[:i] + block + body[i:]
	}
	return body + block
}
