// Package streaming implements the OutputFormatter and StreamingDelivery
// components (spec.md §4.5): cleaning/splitting agent output for chat
// display, and relaying chunked agent output to a channel either by
// periodic message edits (streaming channels) or a single batched send.
package streaming

import (
	"regexp"
	"strconv"
	"strings"
)

var ansiEscape = regexp.MustCompile("\x1B(?:[@-Z\\\\-_]|\\[[0-?]*[ -/]*[@-~])")
var blankRuns = regexp.MustCompile(`\n{3,}`)
var continuationMarker = regexp.MustCompile(`\[(\d+)/\.\.\.\]`)

// Formatter cleans and splits CLI output for a specific channel's
// message-length limit and markup dialect.
type Formatter struct {
	MaxLength int
	ParseMode string // "HTML" or "Markdown"
}

func NewFormatter(maxLength int, parseMode string) *Formatter {
	if maxLength <= 0 {
		maxLength = 4096
	}
	if parseMode == "" {
		parseMode = "HTML"
	}
	return &Formatter{MaxLength: maxLength, ParseMode: parseMode}
}

// Clean strips ANSI escapes, normalizes CRLF, and collapses 3+ blank
// lines to 2.
func (f *Formatter) Clean(text string) string {
	text = ansiEscape.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// FormatCodeBlock wraps code for the configured parse mode.
func (f *Formatter) FormatCodeBlock(code, language string) string {
	if f.ParseMode == "HTML" {
		if language != "" {
			return `<pre><code class="language-` + language + `">` + htmlEscape(code) + `</code></pre>`
		}
		return `<pre><code>` + htmlEscape(code) + `</code></pre>`
	}
	return "```" + language + "\n" + code + "\n```"
}

func htmlEscape(text string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")
	return r.Replace(text)
}

// SplitMessage splits text into chunks no longer than MaxLength,
// preferring to break on a newline (then a space) in the last 20% of the
// budget before falling back to a hard cut, and stamps "[i/N]"
// continuation markers once the total chunk count is known.
func (f *Formatter) SplitMessage(text string) []string {
	if len(text) <= f.MaxLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	partNum := 1

	for remaining != "" {
		if len(remaining) <= f.MaxLength {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := findSplitPoint(remaining, f.MaxLength)
		chunk := strings.TrimRight(remaining[:splitAt], " \t\n")
		remaining = strings.TrimLeft(remaining[splitAt:], " \t\n")

		if remaining != "" {
			chunk += "\n\n[" + strconv.Itoa(partNum) + "/...]"
			partNum++
		}
		chunks = append(chunks, chunk)
	}

	total := len(chunks)
	if total > 1 {
		for i := range chunks {
			chunks[i] = continuationMarker.ReplaceAllString(chunks[i], "["+strconv.Itoa(i+1)+"/"+strconv.Itoa(total)+"]")
		}
	}
	return chunks
}

func findSplitPoint(text string, maxPos int) int {
	if maxPos > len(text) {
		maxPos = len(text)
	}
	searchStart := int(float64(maxPos) * 0.8)

	if pos := strings.LastIndex(text[searchStart:maxPos], "\n"); pos >= 0 {
		abs := searchStart + pos
		if abs > 0 {
			return abs + 1
		}
	}
	if pos := strings.LastIndex(text[searchStart:maxPos], " "); pos >= 0 {
		abs := searchStart + pos
		if abs > 0 {
			return abs + 1
		}
	}
	return maxPos
}
