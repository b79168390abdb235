// Package keys builds cache keys that capture every input affecting the
// cached value. Equal logical inputs always produce equal keys; the xxhash64
// digest keeps keys short enough for memory, Redis, and object-store use.
package keys

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Build hashes an ordered list of canonical parts into a namespaced key.
// The namespace prefix keeps content types from colliding even if their
// inputs hash identically.
func Build(namespace string, parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		// Length-prefix each part so ("ab","c") and ("a","bc") differ.
		_, _ = h.WriteString(strconv.Itoa(len(p)))
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(p)
	}
	return fmt.Sprintf("%s:%016x", namespace, h.Sum64())
}

// Transcription keys a speech-to-text result by the raw audio and the
// processing parameters that influence the transcript.
func Transcription(audio []byte, language, model string) string {
	h := xxhash.Sum64(audio)
	return Build("transcription", strconv.FormatUint(h, 16), language, model)
}

// AIResponse keys a generated response by the speaker, the message, and a
// digest of the conversation context.
func AIResponse(userID, message string, context map[string]string) string {
	return Build("ai_response", userID, message, hashContext(context))
}

// EmotionAnalysis keys an emotion classification by the input text and the
// analyzer version.
func EmotionAnalysis(text, analyzerVersion string) string {
	return Build("emotion", text, analyzerVersion)
}

// VoiceSynthesis keys synthesized audio by the text and voice parameters.
func VoiceSynthesis(text, voice string, speed float64) string {
	return Build("synthesis", text, voice, strconv.FormatFloat(speed, 'f', -1, 64))
}

// UserSession keys session state by user.
func UserSession(userID string) string {
	return Build("session", userID)
}

// Configuration keys a named configuration document.
func Configuration(name string) string {
	return Build("config", name)
}

func hashContext(context map[string]string) string {
	if len(context) == 0 {
		return ""
	}
	ks := make([]string, 0, len(context))
	for k := range context {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	h := xxhash.New()
	for _, k := range ks {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(context[k])
		_, _ = h.WriteString(";")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
