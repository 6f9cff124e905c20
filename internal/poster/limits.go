package poster

import "unicode/utf8"

const (
	// TwitterMaxLength is the maximum character count for a Twitter post.
	TwitterMaxLength = 280

	// MaxMediaPerPost is the number of media attachments a post may carry.
	MaxMediaPerPost = 4
)

// CharCount returns the number of characters in text as counted against
// the post length limits.
func CharCount(text string) int {
	return utf8.RuneCountInString(text)
}
