package model

import "strings"

// MaskValue keeps the first four runes and replaces the rest with '*'.
func MaskValue(value string) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= 4 {
		return value
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-4)
}

// MaskToken masks a device token for per-delivery results. Long tokens keep
// their first and last four runes so results stay distinguishable.
func MaskToken(value string) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= 12 {
		return MaskValue(value)
	}
	return string(runes[:4]) + "…" + string(runes[len(runes)-4:])
}
