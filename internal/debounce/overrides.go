package debounce

import "time"

// Overrides carries per-session tuning supplied at session init.
// All pointer fields use nil to mean "use the process default".
// Loaded from route waypoint rows or the start-patrol request.
type Overrides struct {
	WindowSeconds       *float64 `json:"window_seconds"`
	MinObservations     *int     `json:"min_observations"`
	MinConfidence       *float64 `json:"min_confidence"`
	OutlierStdThreshold *float64 `json:"outlier_std_threshold"`
	EMAAlpha            *float64 `json:"ema_alpha"`
}

// EffectiveWindow returns the session window.
// A nil WindowSeconds falls back to the provided default.
func (o *Overrides) EffectiveWindow(def time.Duration) time.Duration {
	if o == nil || o.WindowSeconds == nil {
		return def
	}
	return time.Duration(*o.WindowSeconds * float64(time.Second))
}

// EffectiveMinObservations returns the report-count threshold.
func (o *Overrides) EffectiveMinObservations(def int) int {
	if o == nil || o.MinObservations == nil {
		return def
	}
	return *o.MinObservations
}

// EffectiveMinConfidence returns the countability floor.
func (o *Overrides) EffectiveMinConfidence(def float64) float64 {
	if o == nil || o.MinConfidence == nil {
		return def
	}
	return *o.MinConfidence
}

// EffectiveOutlierStdThreshold returns the outlier z-score limit.
func (o *Overrides) EffectiveOutlierStdThreshold(def float64) float64 {
	if o == nil || o.OutlierStdThreshold == nil {
		return def
	}
	return *o.OutlierStdThreshold
}

// EffectiveEMAAlpha returns the trend smoothing factor.
func (o *Overrides) EffectiveEMAAlpha(def float64) float64 {
	if o == nil || o.EMAAlpha == nil {
		return def
	}
	return *o.EMAAlpha
}

// Resolve merges the overrides onto the given defaults, producing the
// concrete config a session runs with. Non-positive resolved values fall
// back to the defaults so a bad row cannot disable the window entirely.
func (o *Overrides) Resolve(def Config) Config {
	cfg := Config{
		Window:              o.EffectiveWindow(def.Window),
		MinObservations:     o.EffectiveMinObservations(def.MinObservations),
		MinConfidence:       o.EffectiveMinConfidence(def.MinConfidence),
		OutlierStdThreshold: o.EffectiveOutlierStdThreshold(def.OutlierStdThreshold),
		EMAAlpha:            o.EffectiveEMAAlpha(def.EMAAlpha),
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinObservations < 1 {
		cfg.MinObservations = def.MinObservations
	}
	if cfg.OutlierStdThreshold <= 0 {
		cfg.OutlierStdThreshold = def.OutlierStdThreshold
	}
	return cfg
}
