package plugin

import (
	"path/filepath"

	"noderun/internal/config"
	"noderun/internal/domain"
)

// State is everything the plugin remembers between builds.
type State struct {
	WatchMode        bool
	FirstInvocation  bool
	HadErrorsLastRun bool
	ScriptName       string
	ScriptPath       string
}

func NewState() State {
	return State{FirstInvocation: true}
}

// Pinned reports whether a script has been resolved. Once pinned the
// target never changes.
func (s State) Pinned() bool {
	return s.ScriptPath != ""
}

type Outcome int

const (
	// Skip means the build was filtered out. It is not an error.
	Skip Outcome = iota
	Run
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Run:
		return "run"
	case Fail:
		return "fail"
	default:
		return "skip"
	}
}

type Decision struct {
	Outcome Outcome
	Reason  string
	Err     error
}

// Decide runs the gating, change detection and resolution steps for one
// finished build. exists reports whether a path is present on disk; it is
// only consulted for an explicitly configured script.
func Decide(st State, s config.PluginSettings, result domain.BuildResult, exists func(string) bool) (State, Decision) {
	if !st.WatchMode && s.RunOnlyInWatchMode {
		return st, Decision{Outcome: Skip, Reason: "run only in watch mode"}
	}
	if st.WatchMode && s.RunOnlyInNormalMode {
		return st, Decision{Outcome: Skip, Reason: "run only in normal mode"}
	}
	if result.HasErrors && !s.IgnoreErrors {
		st.HadErrorsLastRun = true
		return st, Decision{Outcome: Skip, Reason: "build has errors"}
	}
	if len(result.Assets) == 0 {
		return st, Decision{Outcome: Fail, Err: ErrNoOutputAssets}
	}

	run := st.FirstInvocation || !s.RunOnlyOnChanges || st.HadErrorsLastRun || changed(s.ScriptsToWatch, result)
	st.FirstInvocation = false
	if !run {
		return st, Decision{Outcome: Skip, Reason: "no relevant changes"}
	}
	st.HadErrorsLastRun = false

	if !st.Pinned() {
		name, path, err := resolve(s.ScriptToRun, result, exists)
		if err != nil {
			return st, Decision{Outcome: Fail, Err: err}
		}
		st.ScriptName, st.ScriptPath = name, path
	}
	return st, Decision{Outcome: Run}
}

func changed(watch []string, result domain.BuildResult) bool {
	if len(watch) == 0 {
		for _, a := range result.Assets {
			if a.Emitted {
				return true
			}
		}
		return false
	}
	names := result.AssetNames()
	for _, w := range watch {
		name, ok := FindMatch(w, names)
		if !ok {
			continue
		}
		if a, _ := result.Asset(name); a.Emitted {
			return true
		}
	}
	return false
}

func resolve(scriptToRun string, result domain.BuildResult, exists func(string) bool) (string, string, error) {
	names := result.AssetNames()
	if scriptToRun != "" {
		if name, ok := FindMatch(scriptToRun, names); ok {
			return name, assetPath(result, name), nil
		}
		if exists != nil && exists(scriptToRun) {
			path, err := filepath.Abs(scriptToRun)
			if err != nil {
				path = filepath.Clean(scriptToRun)
			}
			return filepath.Base(path), path, nil
		}
		return "", "", &ScriptNotFoundError{Requested: scriptToRun, Available: names}
	}
	if len(names) == 1 {
		return names[0], assetPath(result, names[0]), nil
	}
	for _, guess := range []string{"server.js", "index.js"} {
		if name, ok := FindMatch(guess, names); ok {
			return name, assetPath(result, name), nil
		}
	}
	return "", "", &CannotDetermineScriptError{Available: names}
}

func assetPath(result domain.BuildResult, name string) string {
	if a, ok := result.Asset(name); ok && a.Path != "" {
		return a.Path
	}
	return filepath.Join(result.OutputDir, filepath.FromSlash(name))
}
