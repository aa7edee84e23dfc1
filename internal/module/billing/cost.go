package billing

import "math"

// Animation cost scales with the requested duration. Tiers mirror the
// durations offered by the UI; anything above the longest tier pays the
// longest tier's multiplier.
var animationDurationMultipliers = []struct {
	seconds    int
	multiplier float64
}{
	{30, 1},
	{60, 1.5},
	{120, 2.5},
	{180, 4},
	{240, 5},
	{300, 6},
}

// CostOptions carries the request parameters that scale the base cost.
type CostOptions struct {
	// DurationSeconds is the requested animation length. Zero means the
	// shortest tier.
	DurationSeconds int
	// Pages is the requested comic page count. Zero means a single page.
	Pages int
	// VoiceSelected is true when audio narration was requested for a story.
	VoiceSelected bool
}

// AnimationMultiplier returns the duration multiplier for an animation.
func AnimationMultiplier(durationSeconds int) float64 {
	if durationSeconds <= 0 {
		return animationDurationMultipliers[0].multiplier
	}
	for _, tier := range animationDurationMultipliers {
		if durationSeconds <= tier.seconds {
			return tier.multiplier
		}
	}
	return animationDurationMultipliers[len(animationDurationMultipliers)-1].multiplier
}

// ComputeCost returns the token cost of one generation given the base cost
// from the plan's token cost table.
//
// Animation scales by duration tier (rounded up), comics scale linearly by
// page count, everything else is flat. Story narration is priced with the
// plan's audio cost, which the caller selects before calling ComputeCost.
func ComputeCost(contentType ContentType, baseCost int, opts CostOptions) int {
	if baseCost < 1 {
		baseCost = 1
	}

	switch contentType {
	case ContentTypeAnimation:
		return int(math.Ceil(float64(baseCost) * AnimationMultiplier(opts.DurationSeconds)))
	case ContentTypeComic:
		pages := opts.Pages
		if pages < 1 {
			pages = 1
		}
		return baseCost * pages
	default:
		return baseCost
	}
}

// CostContentType returns the content type whose cost row prices the
// request. Stories with a narration voice are billed as audio.
func CostContentType(contentType ContentType, opts CostOptions) ContentType {
	if contentType == ContentTypeStory && opts.VoiceSelected {
		return ContentTypeAudio
	}
	return contentType
}

// EstimateCost returns the flat per-type estimate used for plan-less users
// paying from purchased grants. The table comes from configuration.
func EstimateCost(defaults map[string]int, contentType ContentType, opts CostOptions) int {
	base, ok := defaults[string(CostContentType(contentType, opts))]
	if !ok {
		base = 5
	}
	return ComputeCost(contentType, base, opts)
}
