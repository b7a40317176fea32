package recovery

import (
	"path/filepath"
	"testing"
)

func TestMemoryStoreSaveLoadDelete(t *testing.T) {
	s := NewMemoryStore()
	snap := Snapshot{RunID: "r1", TaskFile: "/tmp/job.tasks", NextTaskID: 3, HasNext: true}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(snap.TaskFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.NextTaskID != 3 || !got.HasNext {
		t.Errorf("got %+v", got)
	}

	if err := s.Delete(snap.TaskFile); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(snap.TaskFile); err == nil {
		t.Error("expected error loading deleted snapshot")
	}
}

func TestDiskStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	snap := Snapshot{
		RunID:    "r1",
		TaskFile: filepath.Join(dir, "job.tasks"),
		Globals:  map[string]string{"REGION": "us-east-1"},
		Completed: []TaskRecord{
			{TaskID: 0, ExitCode: 0, Success: true},
		},
		NextTaskID: 1,
		HasNext:    true,
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(snap.TaskFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Globals["REGION"] != "us-east-1" || len(got.Completed) != 1 || got.Completed[0].TaskID != 0 {
		t.Errorf("got %+v", got)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != snap.TaskFile {
		t.Errorf("got ids %v", ids)
	}

	if err := s.Delete(snap.TaskFile); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(snap.TaskFile); err == nil {
		t.Error("expected error loading deleted snapshot")
	}
}

func TestDiskStoreDeleteMissingIsNotAnError(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	if err := s.Delete("/does/not/exist.tasks"); err != nil {
		t.Errorf("deleting a missing snapshot should be a no-op, got %v", err)
	}
}

func TestHashIsStableAndDistinct(t *testing.T) {
	a := Hash("/tmp/one.tasks")
	b := Hash("/tmp/one.tasks")
	c := Hash("/tmp/two.tasks")
	if a != b {
		t.Errorf("Hash should be stable: %q != %q", a, b)
	}
	if a == c {
		t.Errorf("Hash should differ for different paths")
	}
}
