package pb

import (
	"reflect"
	"testing"
)

func TestPersistStorageRecordsRoundTrip(t *testing.T) {
	in := PersistStorageRecords{Records: []PersistStorageRecord{
		{Version: 1, Container: "mockup", DefaultPackageMap: "/a/package.map", DefaultFlagMap: "/a/flag.map", DefaultFlagVal: "/a/flag.val", DefaultFlagInfo: "/a/flag.info", DigestSha256: "abc123"},
		{Version: 2, Container: "system", DefaultPackageMap: "/b/package.map", DefaultFlagMap: "/b/flag.map", DefaultFlagVal: "/b/flag.val", DefaultFlagInfo: "/b/flag.info", DigestSha256: "def456"},
	}}
	data := in.Marshal()

	var out PersistStorageRecords
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(out.Records))
	}
	if out.Records[0] != in.Records[0] || out.Records[1] != in.Records[1] {
		t.Fatalf("round trip mismatch: got %+v", out.Records)
	}
}

func TestPersistStorageRecordsEmptyFileDecodesEmpty(t *testing.T) {
	var out PersistStorageRecords
	if err := out.Unmarshal(nil); err != nil {
		t.Fatalf("Unmarshal(nil): %v", err)
	}
	if len(out.Records) != 0 {
		t.Fatalf("expected zero records, got %d", len(out.Records))
	}
}

func TestStorageRequestMessageVariants(t *testing.T) {
	cases := []StorageRequestMessage{
		{NewStorage: &NewStorageMessage{Container: "mockup", PackageMap: "p", FlagMap: "f", FlagVal: "v", FlagInfo: "i"}},
		{FlagOverride: &FlagOverrideMessage{PackageName: "pkg", FlagName: "flag", FlagValue: "true", OverrideType: OverrideTypeLocalImmediate}},
		{OTAFlagStaging: &OTAFlagStagingMessage{BuildID: "build.1", Overrides: []FlagValueOverride{
			{PackageName: "pkg", FlagName: "flag", FlagValue: "false"},
		}}},
		{FlagQuery: &FlagQueryMessage{PackageName: "pkg", FlagName: "flag"}},
		{ListStorage: &ListStorageMessage{Container: "mockup", PackageName: "pkg"}},
		{RemoveLocalOverride: &RemoveLocalOverrideMessage{Container: "mockup", RemoveAll: true}},
		{ResetStorage: &ResetStorageMessage{}},
	}
	for i, want := range cases {
		data := want.Marshal()
		var got StorageRequestMessage
		if err := got.Unmarshal(data); err != nil {
			t.Fatalf("case %d: Unmarshal: %v", i, err)
		}
		switch {
		case want.NewStorage != nil:
			if got.NewStorage == nil || *got.NewStorage != *want.NewStorage {
				t.Errorf("case %d: got %+v, want %+v", i, got.NewStorage, want.NewStorage)
			}
		case want.FlagOverride != nil:
			if got.FlagOverride == nil || *got.FlagOverride != *want.FlagOverride {
				t.Errorf("case %d: got %+v, want %+v", i, got.FlagOverride, want.FlagOverride)
			}
		case want.OTAFlagStaging != nil:
			if got.OTAFlagStaging == nil || !reflect.DeepEqual(*got.OTAFlagStaging, *want.OTAFlagStaging) {
				t.Errorf("case %d: got %+v, want %+v", i, got.OTAFlagStaging, want.OTAFlagStaging)
			}
		case want.FlagQuery != nil:
			if got.FlagQuery == nil || *got.FlagQuery != *want.FlagQuery {
				t.Errorf("case %d: got %+v, want %+v", i, got.FlagQuery, want.FlagQuery)
			}
		case want.ListStorage != nil:
			if got.ListStorage == nil || *got.ListStorage != *want.ListStorage {
				t.Errorf("case %d: got %+v, want %+v", i, got.ListStorage, want.ListStorage)
			}
		case want.RemoveLocalOverride != nil:
			if got.RemoveLocalOverride == nil || *got.RemoveLocalOverride != *want.RemoveLocalOverride {
				t.Errorf("case %d: got %+v, want %+v", i, got.RemoveLocalOverride, want.RemoveLocalOverride)
			}
		case want.ResetStorage != nil:
			if got.ResetStorage == nil {
				t.Errorf("case %d: expected ResetStorage to decode", i)
			}
		}
	}
}

func TestOTAFlagStagingMessageFileRoundTrip(t *testing.T) {
	in := OTAFlagStagingMessage{
		BuildID: "xyz.123",
		Overrides: []FlagValueOverride{
			{PackageName: "p1", FlagName: "f1", FlagValue: "false"},
			{PackageName: "p2", FlagName: "f2", FlagValue: "true"},
		},
	}
	data := in.Marshal()

	var out OTAFlagStagingMessage
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestStorageReturnMessageBatchRoundTrip(t *testing.T) {
	in := StorageReturnMessages{Msgs: []StorageReturnMessage{
		{ErrorMessage: "flag does not exist"},
		{FlagQuery: &FlagQueryReturnMessage{
			PackageName: "pkg", FlagName: "flag",
			ServerFlagValue: "", LocalFlagValue: "true", BootFlagValue: "false", DefaultFlagValue: "false",
			IsReadWrite: true, HasServerOverride: false, HasLocalOverride: true,
		}},
		{ListStorage: []FlagQueryReturnMessage{
			{PackageName: "pkg", FlagName: "a", IsReadWrite: true},
			{PackageName: "pkg", FlagName: "b", IsReadWrite: false},
		}},
	}}

	data := in.Marshal()
	var out StorageReturnMessages
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Msgs) != 3 {
		t.Fatalf("got %d replies, want 3", len(out.Msgs))
	}
	if out.Msgs[0].ErrorMessage != "flag does not exist" {
		t.Errorf("reply 0: got %+v", out.Msgs[0])
	}
	if out.Msgs[1].FlagQuery == nil || *out.Msgs[1].FlagQuery != *in.Msgs[1].FlagQuery {
		t.Errorf("reply 1: got %+v, want %+v", out.Msgs[1].FlagQuery, in.Msgs[1].FlagQuery)
	}
	if len(out.Msgs[2].ListStorage) != 2 {
		t.Errorf("reply 2: got %d entries, want 2", len(out.Msgs[2].ListStorage))
	}
}
