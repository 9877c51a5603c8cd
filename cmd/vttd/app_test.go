package main

import (
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
	"pkt.systems/vttd"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		args []string
		want bool
	}{
		{nil, true},
		{[]string{"--control-listen", "127.0.0.1:40541"}, true},
		{[]string{"--log-level", "debug"}, true},
		{[]string{"version"}, false},
		{[]string{"proxy"}, false},
		{[]string{"--log-level", "debug", "status"}, false},
		{[]string{"-c", "conf.yaml", "shutdown"}, false},
		{[]string{"--log-level=debug"}, true},
		{[]string{"--", "status"}, true},
		{[]string{"--no-such-flag", "status"}, false},
		{[]string{"--no-such-flag", "value"}, true},
	}
	for _, tc := range cases {
		if got := invocationTargetsRootCommand(cmd, tc.args); got != tc.want {
			t.Fatalf("args %v: got %t, want %t", tc.args, got, tc.want)
		}
	}
}

func TestExpandPathTilde(t *testing.T) {
	got, err := expandPath("~/vttd/config.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expanded path not absolute: %q", got)
	}
	if strings.HasPrefix(got, "~") {
		t.Fatalf("tilde not expanded: %q", got)
	}
}

func TestHumanizeBytesHasNoSpaces(t *testing.T) {
	if got := humanizeBytes(vttd.DefaultMaxQueryBytes); strings.ContainsRune(got, ' ') {
		t.Fatalf("humanized size contains spaces: %q", got)
	}
}

func TestDefaultConfigYAMLRoundTrips(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var parsed configDefaults
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.ControlListen != vttd.DefaultControlListen {
		t.Fatalf("control-listen = %q", parsed.ControlListen)
	}
	if parsed.BridgeListen != vttd.DefaultBridgeListen {
		t.Fatalf("bridge-listen = %q", parsed.BridgeListen)
	}
	if !parsed.ConnguardEnabled {
		t.Fatal("connguard must default to enabled")
	}
}

func TestDefaultConfigYAMLOverrides(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.LogLevel = "debug"
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(string(data), "log-level: debug") {
		t.Fatalf("override missing:\n%s", data)
	}
}
