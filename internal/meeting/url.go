package meeting

import "regexp"

// Accepted conference URL shapes. Only events carrying one of these become
// scheduled meetings.
var meetURLPattern = regexp.MustCompile(
	`^https://meet\.google\.com/[a-z]{3}-[a-z]{4}-[a-z]{3}(\?\S*)?$`)

// ValidMeetURL reports whether url is a joinable conference link.
func ValidMeetURL(url string) bool {
	return meetURLPattern.MatchString(url)
}
