package commands

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/stores"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

func TestParsePairs(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", in: nil, want: nil},
		{name: "pairs", in: []string{"image=img-1", "vm=vm-1"}, want: map[string]string{"image": "img-1", "vm": "vm-1"}},
		{name: "value with equals", in: []string{"url=http://h/x?a=b"}, want: map[string]string{"url": "http://h/x?a=b"}},
		{name: "empty value", in: []string{"mac="}, want: map[string]string{"mac": ""}},
		{name: "no separator", in: []string{"image"}, wantErr: true},
		{name: "empty key", in: []string{"=x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePairs(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePairs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parsePairs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeProp(t *testing.T) {
	tests := []struct {
		raw  string
		want interface{}
	}{
		{raw: "2", want: json.Number("2")},
		{raw: "1000000", want: json.Number("1000000")},
		{raw: "true", want: true},
		{raw: "http://mirror/disk.img", want: "http://mirror/disk.img"},
		{raw: `"quoted"`, want: `"quoted"`},
		{raw: "12abc", want: "12abc"},
		{raw: "", want: ""},
	}

	for _, tt := range tests {
		if got := decodeProp(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("decodeProp(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestBuildTaskRecord(t *testing.T) {
	rec, err := buildTaskRecord("image", "attach",
		[]string{"image=img-1", "vm=vm-1"}, []string{"device=2"}, true)
	if err != nil {
		t.Fatalf("buildTaskRecord failed: %v", err)
	}
	if rec.ID == "" || rec.Status != stores.TaskStatusQueued {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.Objects["image"] != "img-1" || rec.Objects["vm"] != "vm-1" {
		t.Errorf("Unexpected objects: %v", rec.Objects)
	}
	if rec.Props["device"] != json.Number("2") || !rec.IgnoreErrors {
		t.Errorf("Unexpected props: %v", rec.Props)
	}

	if _, err := buildTaskRecord("image", "attach", []string{"disk=img-1"}, nil, false); err == nil {
		t.Error("Expected error for unknown object kind")
	}
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeExpiredChunks(_ context.Context, _ time.Time) (int64, error) {
	p.calls.Add(1)
	return 1, nil
}

func TestPurgeChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	purger := &countingPurger{}

	done := make(chan error, 1)
	go func() {
		done <- purgeChunks(ctx, purger, 10*time.Millisecond, telemetry.NewNopLogger())
	}()

	deadline := time.After(5 * time.Second)
	for purger.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for purges")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("purgeChunks returned %v", err)
	}
}

func TestSubmitAndListThroughCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vmforge.yaml")
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "vmforge.db")
	if err := config.Write(cfgPath, cfg, false); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) {
		t.Helper()
		root := newRootCommand("test", "none", "today")
		root.SetArgs(append([]string{"-c", cfgPath}, args...))
		if err := root.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("%v failed: %v", args, err)
		}
	}
	t.Cleanup(func() { configPath, verbose, jsonOutput = "", false, false })

	run("resource", "add", "storage", "st-1", "--path", "/srv/images")
	run("resource", "add", "image", "img-1", "--storage", "st-1", "--size", "1MB")
	run("task", "submit", "image", "create", "--object", "image=img-1")

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	img, err := store.GetImage(context.Background(), "img-1")
	if err != nil {
		t.Fatalf("Image not registered: %v", err)
	}
	if img.Size != 1024*1024 || img.StorageID != "st-1" {
		t.Errorf("Unexpected image: %+v", img)
	}

	tasks, err := store.ListTasks(context.Background(), stores.TaskFilter{Type: "image"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Action != "create" || tasks[0].Objects["image"] != "img-1" {
		t.Errorf("Unexpected tasks: %+v", tasks)
	}
}
