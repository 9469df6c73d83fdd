package collyfetch

import "strings"

// captchaMarkers are phrases that indicate a challenge or block page instead
// of real content. Matching is case-insensitive substring search.
var captchaMarkers = []string{
	"verify you are human",
	"recaptcha",
	"captcha",
	"cloudflare",
	"please complete the security check",
	"access denied",
	"are you a robot",
	"bot detection",
}

// IsCaptcha reports whether the body looks like a captcha or bot-block page.
func IsCaptcha(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	// A recaptcha iframe is a dead giveaway even without challenge text.
	return strings.Contains(lower, "google.com/recaptcha")
}
