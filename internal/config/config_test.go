package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromYAMLParsesDurations(t *testing.T) {
	cfg, err := FromYAML([]byte(`
engine:
  max_batch: 10
  max_concurrent_groups: 2
defaults:
  strategy: squash
  delete_branch: true
  merge_delay: 5s
providers:
  github:
    token: t1
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.MaxBatch != 10 || cfg.Engine.MaxConcurrentGroups != 2 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Defaults.Strategy != "squash" || !cfg.Defaults.DeleteBranch {
		t.Fatalf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Defaults.MergeDelay.Std() != 5*time.Second {
		t.Fatalf("merge_delay = %v", cfg.Defaults.MergeDelay.Std())
	}
}

func TestFromYAMLFillsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`providers: {}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := Default()
	if cfg.Engine.MaxBatch != def.Engine.MaxBatch {
		t.Fatalf("max_batch = %d", cfg.Engine.MaxBatch)
	}
	if cfg.Engine.MaxConcurrentGroups != def.Engine.MaxConcurrentGroups {
		t.Fatalf("max_concurrent_groups = %d", cfg.Engine.MaxConcurrentGroups)
	}
	if cfg.Defaults.Strategy != "merge" {
		t.Fatalf("strategy = %s", cfg.Defaults.Strategy)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad strategy",
			yaml: "defaults:\n  strategy: fast-forward\n",
			want: "strategy",
		},
		{
			name: "unknown provider",
			yaml: "providers:\n  bitbucket:\n    token: t\n",
			want: "unknown provider",
		},
		{
			name: "missing token",
			yaml: "providers:\n  github:\n    base_url: https://ghe.local\n",
			want: "token",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
