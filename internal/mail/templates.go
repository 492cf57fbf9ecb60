package mail

import (
	"bytes"
	"errors"
	"html/template"
	"net/url"
	"strings"
)

const layout = `<div style="font-family: Arial, sans-serif; color: #333; padding: 20px;">
  <h2 style="color: #555;">{{.Title}}</h2>
  <p>{{.Message}}</p>
  {{- if .Code}}
  <p style="font-size: 24px; letter-spacing: 4px;"><strong>{{.Code}}</strong></p>
  {{- end}}
  {{- if .Link}}
  <div style="text-align: center; margin: 30px;">
    <a href="{{.Link}}" style="background-color: #007BFF; color: #fff; padding: 10px 20px; text-decoration: none; border-radius: 5px; display: inline-block;">{{.Button}}</a>
  </div>
  <p>If the button above doesn't work, copy and paste the following link into your browser:</p>
  <p style="word-break: break-all;"><a href="{{.Link}}">{{.Link}}</a></p>
  {{- end}}
  <hr style="border: none; border-top: 1px solid #eee; margin: 20px 0;">
  <p style="font-size: 12px; color: #888;">{{.Footer}}</p>
</div>`

type templateData struct {
	Title   string
	Message string
	Code    string
	Button  string
	Link    string
	Footer  string
}

// Renderer builds notification messages with links rooted at a public base URL.
type Renderer struct {
	base *url.URL
	tmpl *template.Template
}

// NewRenderer parses publicURL, e.g. "https://app.example.com".
func NewRenderer(publicURL string) (*Renderer, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicURL), "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("mail: public url must be absolute")
	}
	return &Renderer{
		base: base,
		tmpl: template.Must(template.New("mail").Parse(layout)),
	}, nil
}

func (r *Renderer) link(path string, query url.Values) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *Renderer) render(to, subject string, data templateData) (Message, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, HTML: buf.String()}, nil
}

func (r *Renderer) Verification(to, token string) (Message, error) {
	return r.render(to, "Confirm your email", templateData{
		Title:   "Email Verification",
		Message: "Please verify your email address by clicking the button below.",
		Button:  "Verify Email",
		Link:    r.link("/email-verification", url.Values{"token": {token}}),
		Footer:  "If you did not create an account, no further action is required.",
	})
}

func (r *Renderer) PasswordReset(to, token string) (Message, error) {
	return r.render(to, "Reset your password", templateData{
		Title: "Password Reset Request",
		Message: "You recently requested to reset your password. Click the button below to proceed. " +
			"If you did not request a password reset, please ignore this email.",
		Button: "Reset Your Password",
		Link:   r.link("/complete-password-reset", url.Values{"token": {token}}),
		Footer: "This password reset link will expire in 60 minutes.",
	})
}

func (r *Renderer) PasswordChanged(to string) (Message, error) {
	return r.render(to, "Your password has been changed", templateData{
		Title:   "Password Successfully Changed",
		Message: "Your password has been successfully changed. You can now log in with your new password.",
		Button:  "Log In",
		Link:    r.link("/login", nil),
		Footer:  "If you did not perform this action, please contact our support team immediately.",
	})
}

func (r *Renderer) TwoFactorCode(to, code string) (Message, error) {
	return r.render(to, "Two Factor Authentication", templateData{
		Title:   "Two-Factor Authentication Code",
		Message: "Your authentication code is below. It expires in 5 minutes.",
		Code:    code,
		Footer:  "If you did not request this code, please contact our support team immediately.",
	})
}
