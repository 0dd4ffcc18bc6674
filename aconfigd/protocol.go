package aconfigd

import (
	"fmt"

	"github.com/flagstore/aconfigd/internal/pb"
)

// dispatch handles exactly one StorageRequestMessage against mgr, returning
// the reply to send back. It never returns a Go error itself - a failed
// request becomes an ErrorMessage reply, per spec.md §7's rule that one bad
// request in a batch never aborts the rest of the batch. HandleStream is
// the only thing allowed to abort a batch, and only on a framing failure.
// otaFile is the path OtaStaging requests are written to verbatim.
func dispatch(mgr *Manager, otaFile string, req pb.StorageRequestMessage) pb.StorageReturnMessage {
	switch {
	case req.NewStorage != nil:
		return dispatchNewStorage(mgr, req.NewStorage)
	case req.FlagOverride != nil:
		return dispatchFlagOverride(mgr, req.FlagOverride)
	case req.OTAFlagStaging != nil:
		return dispatchOTAFlagStaging(otaFile, req.OTAFlagStaging)
	case req.FlagQuery != nil:
		return dispatchFlagQuery(mgr, req.FlagQuery)
	case req.ListStorage != nil:
		return dispatchListStorage(mgr, req.ListStorage)
	case req.RemoveLocalOverride != nil:
		return dispatchRemoveLocalOverride(mgr, req.RemoveLocalOverride)
	case req.ResetStorage != nil:
		return dispatchResetStorage(mgr)
	default:
		return pb.StorageReturnMessage{ErrorMessage: ErrInvalidSocketRequest.Error()}
	}
}

func dispatchNewStorage(mgr *Manager, m *pb.NewStorageMessage) pb.StorageReturnMessage {
	if err := mgr.AddOrUpdateContainerStorageFiles(m.Container, m.PackageMap, m.FlagMap, m.FlagVal, m.FlagInfo); err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	return pb.StorageReturnMessage{}
}

func dispatchFlagOverride(mgr *Manager, m *pb.FlagOverrideMessage) pb.StorageReturnMessage {
	if err := mgr.OverrideFlagValue(m.PackageName, m.FlagName, m.FlagValue, m.OverrideType); err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	return pb.StorageReturnMessage{}
}

// dispatchOTAFlagStaging writes m verbatim to otaFile; startup's
// applyStagedOTAFile reads the same bytes back through the same message
// type, per spec.md §4.D's "write request body verbatim to flags/ota.pb".
func dispatchOTAFlagStaging(otaFile string, m *pb.OTAFlagStagingMessage) pb.StorageReturnMessage {
	if err := WritePB(otaFile, m); err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	return pb.StorageReturnMessage{}
}

func dispatchFlagQuery(mgr *Manager, m *pb.FlagQueryMessage) pb.StorageReturnMessage {
	snap, err := mgr.GetFlagSnapshot(m.PackageName, m.FlagName)
	if err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	return pb.StorageReturnMessage{FlagQuery: flagSnapshotToPB(snap)}
}

func dispatchListStorage(mgr *Manager, m *pb.ListStorageMessage) pb.StorageReturnMessage {
	var (
		snaps []FlagSnapshot
		err   error
	)
	if m.PackageName != "" {
		snaps, err = mgr.ListFlagsInPackage(m.PackageName)
	} else {
		snaps, err = mgr.ListFlagsInContainer(m.Container)
	}
	if err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	out := make([]pb.FlagQueryReturnMessage, len(snaps))
	for i, s := range snaps {
		out[i] = *flagSnapshotToPB(s)
	}
	return pb.StorageReturnMessage{ListStorage: out}
}

func dispatchRemoveLocalOverride(mgr *Manager, m *pb.RemoveLocalOverrideMessage) pb.StorageReturnMessage {
	var err error
	if m.RemoveAll {
		err = mgr.RemoveAllLocalOverrides(m.Container)
	} else {
		err = mgr.RemoveLocalOverride(m.PackageName, m.FlagName)
	}
	if err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	return pb.StorageReturnMessage{}
}

func dispatchResetStorage(mgr *Manager) pb.StorageReturnMessage {
	if err := mgr.ResetAllStorage(); err != nil {
		return pb.StorageReturnMessage{ErrorMessage: err.Error()}
	}
	return pb.StorageReturnMessage{}
}

func flagSnapshotToPB(s FlagSnapshot) *pb.FlagQueryReturnMessage {
	return &pb.FlagQueryReturnMessage{
		PackageName:       s.Package,
		FlagName:          s.Flag,
		ServerFlagValue:   s.ServerValue,
		LocalFlagValue:    s.LocalValue,
		BootFlagValue:     fmt.Sprintf("%t", s.BootValue),
		DefaultFlagValue:  fmt.Sprintf("%t", s.DefaultValue),
		IsReadWrite:       s.IsReadWrite,
		HasServerOverride: s.HasServerOverride,
		HasLocalOverride:  s.HasLocalOverride,
	}
}
