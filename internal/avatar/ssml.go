package avatar

import (
	"fmt"
	"html"
	"strings"
)

// BuildSSML renders one utterance as an SSML document for the synthesis
// connection. A positive trailingSilenceMs appends a break so the avatar
// holds its idle pose briefly after the last word.
func BuildSSML(text, voice, speakerProfileID string, trailingSilenceMs int) string {
	var b strings.Builder
	b.WriteString("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xmlns:mstts='http://www.w3.org/2001/mstts' xml:lang='en-US'>")
	fmt.Fprintf(&b, "<voice name='%s'>", voice)
	fmt.Fprintf(&b, "<mstts:ttsembedding speakerProfileId='%s'>", speakerProfileID)
	b.WriteString("<mstts:leadingsilence-exact value='0'/>")
	b.WriteString(html.EscapeString(text))
	if trailingSilenceMs > 0 {
		fmt.Fprintf(&b, "<break time='%dms' />", trailingSilenceMs)
	}
	b.WriteString("</mstts:ttsembedding></voice></speak>")
	return b.String()
}
