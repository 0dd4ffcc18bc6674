package aconfigd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flagstore/aconfigd/internal/pb"
)

// Daemon is the facade a supervisor drives: it owns the storage manager and
// exposes the five independently-callable startup phases plus the
// socket-serving loop. Grounded on
// original_source/aconfigd/src/aconfigd.rs and aconfigd_commands.rs for the
// phase split, and on _examples/banksean-sand/mux_server.go for the Go
// idiom of a daemon type owning its own net.Listener and shutdown channel.
type Daemon struct {
	RootDir               string
	PersistStorageRecords string
	ApexRoot              string
	PlatformPartitionRoot string
	OTAFlagsFile          string
	CurrentBuildID        string

	Manager *Manager

	listener net.Listener
	shutdown chan struct{}
}

// NewDaemon constructs a Daemon. Every path is an explicit field the caller
// may set after construction, matching spec.md §9's "configuration, not
// global" design note: ApexRoot starts at DefaultApexRoot,
// PlatformPartitionRoot at "/", and OTAFlagsFile at flags/ota.pb under
// rootDir.
func NewDaemon(rootDir, persistStorageRecords string) *Daemon {
	return &Daemon{
		RootDir:               rootDir,
		PersistStorageRecords: persistStorageRecords,
		ApexRoot:              DefaultApexRoot,
		PlatformPartitionRoot: "/",
		OTAFlagsFile:          filepath.Join(rootDir, "flags", "ota.pb"),
		Manager:               NewManager(rootDir),
		shutdown:              make(chan struct{}),
	}
}

// RemoveStaleBootFiles deletes the boot/ directory's files for containers no
// longer present in the persisted record index - startup phase 1.
func (d *Daemon) RemoveStaleBootFiles(ctx context.Context) error {
	var records pb.PersistStorageRecords
	if err := ReadPB(d.PersistStorageRecords, &records); err != nil {
		return err
	}
	known := make(map[string]bool, len(records.Records))
	for _, r := range records.Records {
		known[r.Container] = true
	}

	bootDir := filepath.Join(d.RootDir, "boot")
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("aconfigd: fail to read dir %s: %w", bootDir, err)
	}
	for _, e := range entries {
		container := stripBootSuffix(e.Name())
		if container == "" || known[container] {
			continue
		}
		path := filepath.Join(bootDir, e.Name())
		slog.InfoContext(ctx, "daemon.RemoveStaleBootFiles", "file", path)
		if err := RemoveFile(path); err != nil {
			return err
		}
	}
	return nil
}

func stripBootSuffix(name string) string {
	for _, suffix := range []string{".val", ".info"} {
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			return name[:len(name)-len(suffix)]
		}
	}
	return ""
}

// RemoveUnrecognizedBootFiles deletes anything under boot/ that doesn't
// look like a <container>.val or <container>.info file at all - startup
// phase 2, guarding against a partially-written or foreign file surviving
// an unclean shutdown.
func (d *Daemon) RemoveUnrecognizedBootFiles(ctx context.Context) error {
	bootDir := filepath.Join(d.RootDir, "boot")
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("aconfigd: fail to read dir %s: %w", bootDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || stripBootSuffix(e.Name()) == "" {
			path := filepath.Join(bootDir, e.Name())
			slog.WarnContext(ctx, "daemon.RemoveUnrecognizedBootFiles", "file", path)
			if err := RemoveFile(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// InitFromRecord replays the persisted record index into the manager, then
// applies any still-valid OTA-staged overrides - startup phase 3.
func (d *Daemon) InitFromRecord(ctx context.Context) error {
	var records pb.PersistStorageRecords
	if err := ReadPB(d.PersistStorageRecords, &records); err != nil {
		return err
	}
	for _, r := range records.Records {
		slog.InfoContext(ctx, "daemon.InitFromRecord", "container", r.Container)
		if err := d.Manager.AddStorageFilesFromPB(r); err != nil {
			return err
		}
	}
	return d.applyStagedOTAFile(ctx)
}

// applyStagedOTAFile consumes the OTA staging file, applying its overrides
// only if its target_build_id matches the running build. The file is always
// deleted afterward, or immediately if it carries no target_build_id -
// spec.md §9's Open Question on this resolved in favor of the reference
// implementation's "always clean up" behavior. CurrentBuildID is this
// daemon's seam for the build-fingerprint lookup spec.md §6.5 treats as an
// external collaborator (ro.build.fingerprint or a similar system property
// on a real device); a supervisor sets it before calling InitFromRecord.
func (d *Daemon) applyStagedOTAFile(ctx context.Context) error {
	if _, err := os.Stat(d.OTAFlagsFile); err != nil {
		return nil
	}
	defer func() {
		if err := RemoveFile(d.OTAFlagsFile); err != nil {
			slog.WarnContext(ctx, "daemon.applyStagedOTAFile", "error", err)
		}
	}()

	var staged pb.OTAFlagStagingMessage
	if err := ReadPB(d.OTAFlagsFile, &staged); err != nil {
		return err
	}
	return d.Manager.ApplyStagedOTAFlags(staged.BuildID, d.CurrentBuildID, staged.Overrides)
}

// InitPlatformStorage registers every platform partition's container -
// startup phase 4.
func (d *Daemon) InitPlatformStorage(ctx context.Context) error {
	var containers []ContainerDefaultFiles
	for container, etcDir := range PlatformStorageDirs(d.PlatformPartitionRoot) {
		files, ok, err := ContainerDefaultFilesIn(etcDir, container)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		containers = append(containers, files)
	}
	if len(containers) == 0 {
		return nil
	}
	slog.InfoContext(ctx, "daemon.InitPlatformStorage", "containers", len(containers))
	if err := d.Manager.AddOrUpdateContainers(containers); err != nil {
		return err
	}
	return d.Manager.WritePersistStorageRecordsToFile(d.PersistStorageRecords)
}

// InitDynamicStorage registers every mainline apex module's container -
// startup phase 5.
func (d *Daemon) InitDynamicStorage(ctx context.Context) error {
	names, err := ScanApexContainers(d.ApexRoot)
	if err != nil {
		return err
	}
	var containers []ContainerDefaultFiles
	for _, name := range names {
		etcDir := filepath.Join(d.ApexRoot, name, "etc")
		files, ok, err := ContainerDefaultFilesIn(etcDir, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		containers = append(containers, files)
	}
	if len(containers) == 0 {
		return nil
	}
	slog.InfoContext(ctx, "daemon.InitDynamicStorage", "containers", len(containers))
	if err := d.Manager.AddOrUpdateContainers(containers); err != nil {
		return err
	}
	return d.Manager.WritePersistStorageRecordsToFile(d.PersistStorageRecords)
}

// frameLenPrefix is the wire framing's fixed 4-byte big-endian length
// prefix, matching original_source/aflags/src/aconfig_storage_source.rs's
// manual write_socket_messages framing exactly.
const frameLenPrefix = 4

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [frameLenPrefix]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("aconfigd: fail to read framed message body: %w", err)
	}
	return buf, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [frameLenPrefix]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("aconfigd: fail to write framed message length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("aconfigd: fail to write framed message body: %w", err)
	}
	return nil
}

// HandleStream implements one request/response exchange over conn: read the
// length-prefixed request batch, dispatch each request (catching its error
// into that request's reply rather than aborting the batch), frame and
// write the reply batch. Only a transport-level framing failure aborts the
// whole exchange, per spec.md §4.D/§7.
func (d *Daemon) HandleStream(ctx context.Context, conn net.Conn) error {
	ctx, span := tracer().Start(ctx, "aconfigd.HandleStream")
	defer span.End()

	body, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketIO, err)
	}

	var reqBatch pb.StorageRequestMessages
	if err := reqBatch.Unmarshal(body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSocketRequest, err)
	}

	var replyBatch pb.StorageReturnMessages
	for _, req := range reqBatch.Msgs {
		_, reqSpan := tracer().Start(ctx, "aconfigd.dispatch")
		reply := dispatch(d.Manager, d.OTAFlagsFile, req)
		reqSpan.End()
		replyBatch.Msgs = append(replyBatch.Msgs, reply)
	}

	if err := writeFrame(conn, replyBatch.Marshal()); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketIO, err)
	}
	return nil
}

// Serve accepts connections on listener one at a time, handling each to
// completion before accepting the next - the single-threaded cooperative
// model spec.md §5 requires, with no lock file: the host's socket
// permissions are this daemon's only enforced exclusivity, a deliberate
// divergence from _examples/banksean-sand/mux_server.go's flock-based
// acquireLock (see DESIGN.md).
func (d *Daemon) Serve(ctx context.Context, listener net.Listener) error {
	d.listener = listener
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			d.Shutdown()
		case <-d.shutdown:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.shutdown:
				return nil
			default:
				return fmt.Errorf("%w: %v", ErrSocketIO, err)
			}
		}
		if err := d.HandleStream(ctx, conn); err != nil {
			slog.ErrorContext(ctx, "daemon.Serve", "error", err)
		}
		conn.Close()
	}
}

// Shutdown stops Serve's accept loop and closes the listener.
func (d *Daemon) Shutdown() {
	select {
	case <-d.shutdown:
		return
	default:
		close(d.shutdown)
	}
	if d.listener != nil {
		d.listener.Close()
	}
}
