package speech

// Language models understood by the engines.
const (
	LanguageModelDefault  = ""
	LanguageModelFreeForm = "free_form"
)

// Options tune a single Start call. Engines ignore what they do not support.
type Options struct {
	LanguageModel             string
	MinLengthMS               int
	CompleteSilenceMS         int
	PossiblyCompleteSilenceMS int
	MaxAlternatives           int
	PartialResults            bool
	PreferOffline             bool
}

// Profile is a named option set. Backends are retried through an ordered
// list of profiles before the controller rotates to the next backend.
type Profile struct {
	Name    string
	Options Options
}

// ProfileProvider is implemented by adapters that declare their own profiles.
type ProfileProvider interface {
	Profiles() []Profile
}

// DefaultProfiles returns the tuned profile followed by a relaxed free-form
// profile that drops the silence thresholds.
func DefaultProfiles(tuned Options) []Profile {
	relaxed := Options{
		LanguageModel:   LanguageModelFreeForm,
		MaxAlternatives: tuned.MaxAlternatives,
		PartialResults:  true,
		PreferOffline:   tuned.PreferOffline,
	}
	return []Profile{
		{Name: "tuned", Options: tuned},
		{Name: "free_form", Options: relaxed},
	}
}

func profileFor(profiles []Profile, attempt int) Profile {
	if len(profiles) == 0 {
		return Profile{Name: "default", Options: Options{PartialResults: true}}
	}
	idx := attempt - 1
	if idx >= len(profiles) {
		idx = len(profiles) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return profiles[idx]
}
