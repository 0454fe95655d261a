package email

import (
	"fmt"
	"time"
)

// WelcomeData fills the onboarding welcome email.
type WelcomeData struct {
	SchoolName    string
	PrincipalName string
	To            string
	AccessURL     string
	APIKey        string
	Plan          string
	TrialEndsAt   time.Time
}

// Welcome builds the message sent to a school once onboarding completes.
func Welcome(d WelcomeData) Message {
	greeting := d.PrincipalName
	if greeting == "" {
		greeting = d.SchoolName
	}
	trialEnds := d.TrialEndsAt.Format("January 2, 2006")

	html := fmt.Sprintf(`
		<html>
		<body>
			<h2>Welcome to SchoolHub, %s!</h2>
			<p>Hi %s,</p>
			<p>Your school portal is ready at <a href="%s">%s</a>.</p>
			<p>Plan: <strong>%s</strong>. Your trial ends on %s.</p>
			<p>Your API key is <code>%s</code>. Keep your secret key safe, it is only shown once.</p>
			<p>Thanks,<br>The SchoolHub Team</p>
		</body>
		</html>
	`, d.SchoolName, greeting, d.AccessURL, d.AccessURL, d.Plan, trialEnds, d.APIKey)

	text := fmt.Sprintf(`
Hi %s,

Your school portal for %s is ready at %s

Plan: %s. Your trial ends on %s.
API key: %s

Thanks,
The SchoolHub Team
	`, greeting, d.SchoolName, d.AccessURL, d.Plan, trialEnds, d.APIKey)

	return Message{
		To:      d.To,
		ToName:  greeting,
		Subject: fmt.Sprintf("Welcome to SchoolHub, %s", d.SchoolName),
		HTML:    html,
		Text:    text,
	}
}
