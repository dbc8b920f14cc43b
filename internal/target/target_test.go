package target

import (
	"errors"
	"reflect"
	"testing"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
)

func TestNewNormalizes(t *testing.T) {
	tgt, err := New("rv64", "", []string{FeatureLibcTest, FeatureLibcTest, FeatureFFmpeg}, "out")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if tgt.Arch != arch.Riscv64 {
		t.Errorf("arch = %s, want riscv64", tgt.Arch)
	}
	if tgt.Board != "generic" {
		t.Errorf("board = %q, want default generic", tgt.Board)
	}
	want := []string{FeatureFFmpeg, FeatureLibcTest}
	if got := tgt.Features(); !reflect.DeepEqual(got, want) {
		t.Errorf("features = %v, want deduplicated sorted %v", got, want)
	}
	if !tgt.HasFeature(FeatureLibcTest) || tgt.HasFeature(FeatureOpenCV) {
		t.Error("HasFeature does not reflect the requested set")
	}
}

func TestNewRejectsInvalidArchitecture(t *testing.T) {
	_, err := New("mips", "", nil, "")
	var invalid *buildfail.InvalidArchitectureError
	if !errors.As(err, &invalid) {
		t.Fatalf("want InvalidArchitectureError, got %v", err)
	}
	if invalid.Value != "mips" {
		t.Errorf("offending value = %q", invalid.Value)
	}
}

func TestNewRejectsBadCombinations(t *testing.T) {
	cases := []struct {
		name     string
		arch     string
		board    string
		features []string
	}{
		{"unknown feature", "x86_64", "", []string{"quantum"}},
		{"board not available", "x86_64", "d1", []string{FeatureBoardD1}},
		{"board-d1 without d1 board", "riscv64", "generic", []string{FeatureBoardD1}},
		{"d1 board without board-d1", "riscv64", "d1", nil},
		{"hypervisor off x86_64", "riscv64", "", []string{FeatureHypervisor}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.arch, tc.board, tc.features, "")
			var combo *buildfail.InvalidFeatureCombinationError
			if !errors.As(err, &combo) {
				t.Fatalf("want InvalidFeatureCombinationError, got %v", err)
			}
		})
	}
}

func TestD1BoardTarget(t *testing.T) {
	tgt, err := New("riscv64", "d1", []string{FeatureBoardD1, FeatureLinkUserImg}, "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if tgt.Board != "d1" {
		t.Errorf("board = %q", tgt.Board)
	}
	if !tgt.HasFeature(FeatureLinkUserImg) {
		t.Error("link-user-img feature dropped")
	}
}

func TestFeaturesReturnsCopy(t *testing.T) {
	tgt, err := New("x86_64", "", []string{FeatureFFmpeg}, "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	tgt.Features()[0] = "mutated"
	if !tgt.HasFeature(FeatureFFmpeg) {
		t.Error("mutating the returned slice changed the Target")
	}
}
