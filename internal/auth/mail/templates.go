package mail

import (
	"fmt"
	"html/template"
)

// Message is a rendered email ready to enqueue.
type Message struct {
	Subject  string
	BodyHTML string
}

const linkBody = `<!DOCTYPE html>
<html>
<body style="margin: 0; padding: 0; font-family: sans-serif;">
  <h1 style="font-size: 20px;">Lockhaven</h1>
  <p>Hello %s,</p>
  <p>%s</p>
  <p><a href="%s">%s</a></p>
  <p>If the button does not work, copy this URL into your browser:</p>
  <p style="word-break: break-all;">%s</p>
  <p>This link is valid for %s. If you did not expect this email, you can ignore it.</p>
</body>
</html>`

func renderLinkBody(name, intro, url, action, validity string) string {
	escapedName := template.HTMLEscapeString(name)
	escapedURL := template.HTMLEscapeString(url)
	return fmt.Sprintf(linkBody, escapedName, intro, escapedURL, action, escapedURL, validity)
}

// VerificationEmail renders the signup verification email.
func VerificationEmail(name string, verifyURL string) Message {
	return Message{
		Subject: "Verify your email address",
		BodyHTML: renderLinkBody(
			name,
			"Thanks for signing up. Click the link below to verify your email address.",
			verifyURL,
			"Verify email address",
			"24 hours",
		),
	}
}

// PasswordResetEmail renders the password reset email.
func PasswordResetEmail(name string, resetURL string) Message {
	return Message{
		Subject: "Reset your password",
		BodyHTML: renderLinkBody(
			name,
			"A password reset was requested for your account. Click the link below to choose a new password.",
			resetURL,
			"Reset password",
			"1 hour",
		),
	}
}
