package plugin

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"noderun/internal/config"
	"noderun/internal/domain"
)

func assets(emitted bool, names ...string) domain.BuildResult {
	r := domain.BuildResult{OutputDir: "dist"}
	for _, n := range names {
		r.Assets = append(r.Assets, domain.Asset{Name: n, Emitted: emitted, Path: filepath.Join("out", n)})
	}
	return r
}

func noFiles(string) bool { return false }

func TestFindMatch(t *testing.T) {
	names := []string{"main.server.js", "server.js", "index.js"}
	if got, ok := FindMatch("server.js", names); !ok || got != "server.js" {
		t.Fatalf("exact pass should win over earlier substring: %q", got)
	}
	if got, ok := FindMatch("server", names); !ok || got != "main.server.js" {
		t.Fatalf("substring pass keeps order: %q", got)
	}
	if _, ok := FindMatch("worker.js", names); ok {
		t.Fatalf("unexpected match")
	}
	if _, ok := FindMatch("x", nil); ok {
		t.Fatalf("unexpected match in empty list")
	}
}

func TestDecideSingleAssetAlwaysPinned(t *testing.T) {
	for _, name := range []string{"only-one-file.js", "weird.bundle.mjs", "a"} {
		st, d := Decide(NewState(), config.DefaultPluginSettings(), assets(true, name), noFiles)
		if d.Outcome != Run {
			t.Fatalf("%s: expected run, got %v (%v)", name, d.Outcome, d.Err)
		}
		if st.ScriptName != name || st.ScriptPath != filepath.Join("out", name) {
			t.Fatalf("%s: pinned %q at %q", name, st.ScriptName, st.ScriptPath)
		}
	}
}

func TestDecidePrefersServerOverIndex(t *testing.T) {
	for _, names := range [][]string{
		{"index.js", "server.js"},
		{"server.js", "index.js", "vendor.js"},
		{"index.js", "app.server.js"},
	} {
		st, d := Decide(NewState(), config.DefaultPluginSettings(), assets(true, names...), noFiles)
		if d.Outcome != Run {
			t.Fatalf("%v: expected run", names)
		}
		if st.ScriptName == "index.js" {
			t.Fatalf("%v: index.js chosen over server", names)
		}
	}

	st, _ := Decide(NewState(), config.DefaultPluginSettings(), assets(true, "vendor.js", "index.js"), noFiles)
	if st.ScriptName != "index.js" {
		t.Fatalf("expected index.js fallback, got %q", st.ScriptName)
	}
}

func TestDecideAssetPathFallsBackToOutputDir(t *testing.T) {
	result := domain.BuildResult{OutputDir: "build", Assets: []domain.Asset{{Name: "server.js", Emitted: true}}}
	st, _ := Decide(NewState(), config.DefaultPluginSettings(), result, noFiles)
	if st.ScriptPath != filepath.Join("build", "server.js") {
		t.Fatalf("unexpected path %q", st.ScriptPath)
	}
}

func TestDecideCannotDetermineScript(t *testing.T) {
	st, d := Decide(NewState(), config.DefaultPluginSettings(), assets(true, "a.js", "b.js"), noFiles)
	var cd *CannotDetermineScriptError
	if d.Outcome != Fail || !errors.As(d.Err, &cd) {
		t.Fatalf("expected CannotDetermineScriptError, got %v", d.Err)
	}
	if !reflect.DeepEqual(cd.Available, []string{"a.js", "b.js"}) {
		t.Fatalf("available = %v", cd.Available)
	}
	if d.Err.Error() != "Can not determine which script to run. Choose a script among given list: a.js,b.js or provide a path to a file" {
		t.Fatalf("message = %q", d.Err.Error())
	}
	if st.Pinned() {
		t.Fatalf("nothing should be pinned")
	}
}

func TestDecideScriptToRun(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.ScriptToRun = "script.js"
	st, d := Decide(NewState(), s, assets(true, "server.js", "script.js"), noFiles)
	if d.Outcome != Run || st.ScriptName != "script.js" {
		t.Fatalf("expected script.js, got %q (%v)", st.ScriptName, d.Err)
	}

	s.ScriptToRun = "worker"
	st, _ = Decide(NewState(), s, assets(true, "server.js", "app.worker.js"), noFiles)
	if st.ScriptName != "app.worker.js" {
		t.Fatalf("expected substring match, got %q", st.ScriptName)
	}
}

func TestDecideScriptToRunOnDisk(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.ScriptToRun = "./test/../test/test-script.js"
	exists := func(p string) bool { return p == s.ScriptToRun }
	st, d := Decide(NewState(), s, assets(true, "server.js"), exists)
	if d.Outcome != Run {
		t.Fatalf("expected run, got %v", d.Err)
	}
	want, err := filepath.Abs(filepath.Join("test", "test-script.js"))
	if err != nil {
		t.Fatal(err)
	}
	if st.ScriptName != "test-script.js" || st.ScriptPath != want {
		t.Fatalf("pinned %q at %q", st.ScriptName, st.ScriptPath)
	}
}

func TestDecideScriptNotFound(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.ScriptToRun = "missing.js"
	_, d := Decide(NewState(), s, assets(true, "server.js", "script.js"), noFiles)
	var nf *ScriptNotFoundError
	if !errors.As(d.Err, &nf) || nf.Requested != "missing.js" {
		t.Fatalf("expected ScriptNotFoundError, got %v", d.Err)
	}
	want := "Given script name 'missing.js' could not be found among build output assets: server.js,script.js or in the file system"
	if d.Err.Error() != want {
		t.Fatalf("message = %q", d.Err.Error())
	}
}

func TestDecideNoOutputAssets(t *testing.T) {
	st, d := Decide(NewState(), config.DefaultPluginSettings(), domain.BuildResult{}, noFiles)
	if d.Outcome != Fail || !errors.Is(d.Err, ErrNoOutputAssets) {
		t.Fatalf("expected ErrNoOutputAssets, got %v", d.Err)
	}
	if !st.FirstInvocation {
		t.Fatalf("an empty build must not consume the first run")
	}
}

func TestDecidePinnedTargetNeverChanges(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.RunOnlyOnChanges = false
	st, _ := Decide(NewState(), s, assets(true, "server.js", "index.js"), noFiles)
	pinned := st

	st, d := Decide(st, s, assets(true, "other.js"), noFiles)
	if d.Outcome != Run {
		t.Fatalf("expected run, got %v", d.Err)
	}
	if st.ScriptName != pinned.ScriptName || st.ScriptPath != pinned.ScriptPath {
		t.Fatalf("target changed from %q to %q", pinned.ScriptPath, st.ScriptPath)
	}
}

func TestDecideWatchModeGates(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.RunOnlyInWatchMode = true
	st, d := Decide(NewState(), s, assets(true, "server.js"), noFiles)
	if d.Outcome != Skip || st != NewState() {
		t.Fatalf("watch-only gate must abort without touching state: %v %+v", d.Outcome, st)
	}

	watching := NewState()
	watching.WatchMode = true
	if _, d := Decide(watching, s, assets(true, "server.js"), noFiles); d.Outcome != Run {
		t.Fatalf("expected run in watch mode")
	}

	s = config.DefaultPluginSettings()
	s.RunOnlyInNormalMode = true
	if _, d := Decide(watching, s, assets(true, "server.js"), noFiles); d.Outcome != Skip {
		t.Fatalf("normal-only gate must skip in watch mode")
	}
	if _, d := Decide(NewState(), s, assets(true, "server.js"), noFiles); d.Outcome != Run {
		t.Fatalf("normal-only gate must allow normal mode")
	}
}

func TestDecideErrorsArmNextRun(t *testing.T) {
	s := config.DefaultPluginSettings()
	st, d := Decide(NewState(), s, assets(true, "server.js"), noFiles)
	if d.Outcome != Run {
		t.Fatalf("first build should run")
	}

	failed := assets(true, "server.js")
	failed.HasErrors = true
	st, d = Decide(st, s, failed, noFiles)
	if d.Outcome != Skip || !st.HadErrorsLastRun {
		t.Fatalf("errored build must skip and arm flag: %v %+v", d.Outcome, st)
	}

	st, d = Decide(st, s, assets(false, "server.js"), noFiles)
	if d.Outcome != Run {
		t.Fatalf("build after errors must run even without changes")
	}
	if st.HadErrorsLastRun {
		t.Fatalf("flag should clear once a run is decided")
	}

	if _, d = Decide(st, s, assets(false, "server.js"), noFiles); d.Outcome != Skip {
		t.Fatalf("unchanged build should now skip")
	}
}

func TestDecideIgnoreErrors(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.IgnoreErrors = true
	failed := assets(true, "server.js")
	failed.HasErrors = true
	st, d := Decide(NewState(), s, failed, noFiles)
	if d.Outcome != Run || st.HadErrorsLastRun {
		t.Fatalf("errors should be ignored: %v %+v", d.Outcome, st)
	}
}

func TestDecideFirstInvocationForcesRun(t *testing.T) {
	st, d := Decide(NewState(), config.DefaultPluginSettings(), assets(false, "server.js"), noFiles)
	if d.Outcome != Run || st.FirstInvocation {
		t.Fatalf("first build must run even with nothing emitted")
	}
	if _, d = Decide(st, config.DefaultPluginSettings(), assets(false, "server.js"), noFiles); d.Outcome != Skip {
		t.Fatalf("second unchanged build must skip")
	}
}

func TestDecideScriptsToWatch(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.ScriptsToWatch = []string{"x.js"}
	st, _ := Decide(NewState(), s, assets(true, "server.js"), noFiles)

	if _, d := Decide(st, s, assets(true, "server.js", "vendor.js"), noFiles); d.Outcome != Skip {
		t.Fatalf("watch list miss must not run")
	}

	result := domain.BuildResult{Assets: []domain.Asset{
		{Name: "server.js", Emitted: false, Path: "out/server.js"},
		{Name: "lib.x.js", Emitted: true, Path: "out/lib.x.js"},
	}}
	if _, d := Decide(st, s, result, noFiles); d.Outcome != Run {
		t.Fatalf("emitted watched asset must run")
	}

	result.Assets[1].Emitted = false
	if _, d := Decide(st, s, result, noFiles); d.Outcome != Skip {
		t.Fatalf("watched asset not emitted must skip")
	}
}

func TestDecideRunOnlyOnChangesDisabled(t *testing.T) {
	s := config.DefaultPluginSettings()
	s.RunOnlyOnChanges = false
	st, _ := Decide(NewState(), s, assets(false, "server.js"), noFiles)
	if _, d := Decide(st, s, assets(false, "server.js"), noFiles); d.Outcome != Run {
		t.Fatalf("expected unconditional run")
	}
}
