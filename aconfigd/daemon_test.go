package aconfigd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/flagstore/aconfigd/aconfigd/internal/fixture"
	"github.com/flagstore/aconfigd/internal/pb"
)

func newDaemonWithMockup(t *testing.T) *Daemon {
	t.Helper()
	rootDir := t.TempDir()
	etcDir := filepath.Join(rootDir, "etc")
	c, err := fixture.BuildMockup(etcDir)
	if err != nil {
		t.Fatalf("fixture.BuildMockup: %v", err)
	}
	d := NewDaemon(rootDir, filepath.Join(rootDir, "records.pb"))
	if err := d.Manager.AddOrUpdateContainerStorageFiles(c.Name, c.PackageMap, c.FlagMap, c.FlagVal, c.FlagInfo); err != nil {
		t.Fatalf("AddOrUpdateContainerStorageFiles: %v", err)
	}
	return d
}

func TestHandleStreamBatchDispatch(t *testing.T) {
	d := newDaemonWithMockup(t)

	reqs := pb.StorageRequestMessages{Msgs: []pb.StorageRequestMessage{
		{FlagQuery: &pb.FlagQueryMessage{PackageName: "com.android.aconfig.storage.test_1", FlagName: "enabled_rw"}},
		{FlagQuery: &pb.FlagQueryMessage{PackageName: "com.android.aconfig.storage.test_1", FlagName: "does_not_exist"}},
	}}

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- d.HandleStream(context.Background(), server)
	}()

	if err := writeFrame(client, reqs.Marshal()); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	body, err := readFrame(client)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("HandleStream: %v", err)
	}

	var replies pb.StorageReturnMessages
	if err := replies.Unmarshal(body); err != nil {
		t.Fatalf("Unmarshal replies: %v", err)
	}
	if len(replies.Msgs) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies.Msgs))
	}
	if replies.Msgs[0].ErrorMessage != "" {
		t.Errorf("expected first query to succeed, got error %q", replies.Msgs[0].ErrorMessage)
	}
	if replies.Msgs[1].ErrorMessage == "" {
		t.Errorf("expected second query (unknown flag) to fail within its own reply, not abort the batch")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello framed world")
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestHandleStreamOTAStagingWritesFileVerbatim(t *testing.T) {
	d := newDaemonWithMockup(t)
	d.OTAFlagsFile = filepath.Join(d.RootDir, "flags", "ota.pb")

	want := pb.OTAFlagStagingMessage{
		BuildID: "xyz.123",
		Overrides: []pb.FlagValueOverride{
			{PackageName: "p1", FlagName: "f1", FlagValue: "false"},
			{PackageName: "p2", FlagName: "f2", FlagValue: "true"},
		},
	}
	reqs := pb.StorageRequestMessages{Msgs: []pb.StorageRequestMessage{{OTAFlagStaging: &want}}}

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- d.HandleStream(context.Background(), server)
	}()
	if err := writeFrame(client, reqs.Marshal()); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	body, err := readFrame(client)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("HandleStream: %v", err)
	}

	var replies pb.StorageReturnMessages
	if err := replies.Unmarshal(body); err != nil {
		t.Fatalf("Unmarshal replies: %v", err)
	}
	if len(replies.Msgs) != 1 || replies.Msgs[0].ErrorMessage != "" {
		t.Fatalf("expected a single successful reply, got %+v", replies.Msgs)
	}

	var onDisk pb.OTAFlagStagingMessage
	if err := ReadPB(d.OTAFlagsFile, &onDisk); err != nil {
		t.Fatalf("ReadPB(ota.pb): %v", err)
	}
	if onDisk.BuildID != want.BuildID || len(onDisk.Overrides) != len(want.Overrides) {
		t.Fatalf("ota.pb round trip mismatch: got %+v, want %+v", onDisk, want)
	}
}

func TestRemoveStaleBootFiles(t *testing.T) {
	d := newDaemonWithMockup(t)
	if err := d.Manager.WritePersistStorageRecordsToFile(d.PersistStorageRecords); err != nil {
		t.Fatalf("WritePersistStorageRecordsToFile: %v", err)
	}

	stalePath := filepath.Join(d.RootDir, "boot", "ghost.val")
	mustWriteFile(t, stalePath, []byte{0, 0, 0, 0, 0, 0, 0, 0})

	if err := d.RemoveStaleBootFiles(context.Background()); err != nil {
		t.Fatalf("RemoveStaleBootFiles: %v", err)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("expected stale boot file to be removed, stat err = %v", err)
	}
}
