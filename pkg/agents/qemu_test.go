package agents

import (
	"reflect"
	"testing"

	"github.com/vmforge/vmforge/pkg/resources"
)

func TestQemuImgArgv(t *testing.T) {
	plain := qemuImg{bin: "qemu-img"}
	sudo := qemuImg{bin: "/usr/bin/qemu-img", sudo: true}

	tests := []struct {
		name string
		got  []string
		want []string
	}{
		{
			name: "create",
			got:  plain.create(resources.ImageFormatQCOW2, "/data/img", 1048576),
			want: []string{"qemu-img", "create", "-f", "qcow2", "/data/img", "1048576"},
		},
		{
			name: "rebase",
			got:  plain.rebase(resources.ImageFormatQED, "/data/img"),
			want: []string{"qemu-img", "rebase", "-u", "-f", "qed", "-b", "", "/data/img"},
		},
		{
			name: "resize with sudo",
			got:  sudo.resize("/images/vm-1", "+1G"),
			want: []string{"sudo", "-n", "/usr/bin/qemu-img", "resize", "/images/vm-1", "+1G"},
		},
		{
			name: "info",
			got:  plain.info("/data/img"),
			want: []string{"qemu-img", "info", "--output=json", "/data/img"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.want) {
				t.Errorf("argv = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseImageInfo(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{
			name: "qcow2 with backing file",
			input: `{
    "virtual-size": 21474836480,
    "filename": "/data/img",
    "format": "qcow2",
    "actual-size": 200704,
    "backing-filename": "base.qcow2",
    "dirty-flag": false
}`,
			want: 21474836480,
		},
		{
			name:  "raw",
			input: `{"virtual-size": 1048576, "format": "raw", "actual-size": 4096}`,
			want:  1048576,
		},
		{
			name:    "no size",
			input:   `{"format": "raw"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   "qemu-img: Could not open '/data/img'",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseImageInfo(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", info)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.VirtualSize != tt.want {
				t.Errorf("VirtualSize = %d, want %d", info.VirtualSize, tt.want)
			}
		})
	}
}
