// Package pb hand-encodes this daemon's wire messages against the protobuf
// wire format using google.golang.org/protobuf/encoding/protowire directly.
// There is no .proto/protoc step anywhere in this repository's build: the
// message shapes below are Go structs whose Marshal/Unmarshal methods write
// and read the same tag/varint/length-delimited encoding a generated
// implementation would, which keeps the wire format genuinely
// protobuf-compatible without invoking a code generator.
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PersistStorageRecord is one row of the on-disk container registry. It
// carries only a container's defaults provenance, version and digest -
// never persisted/boot paths, which are always derived from root_dir and
// container name (see containerPaths in aconfigd/storagefiles.go).
type PersistStorageRecord struct {
	Version           uint32
	Container         string
	DefaultPackageMap string
	DefaultFlagMap    string
	DefaultFlagVal    string
	DefaultFlagInfo   string
	DigestSha256      string
}

const (
	fieldRecordVersion    = 1
	fieldRecordContainer  = 2
	fieldRecordDefPkgMap  = 3
	fieldRecordDefFlagMap = 4
	fieldRecordDefFlagVal = 5
	fieldRecordDefFlagInf = 6
	fieldRecordDigest     = 7
)

// Marshal encodes the record.
func (r *PersistStorageRecord) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldRecordVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Version))
	buf = appendString(buf, fieldRecordContainer, r.Container)
	buf = appendString(buf, fieldRecordDefPkgMap, r.DefaultPackageMap)
	buf = appendString(buf, fieldRecordDefFlagMap, r.DefaultFlagMap)
	buf = appendString(buf, fieldRecordDefFlagVal, r.DefaultFlagVal)
	buf = appendString(buf, fieldRecordDefFlagInf, r.DefaultFlagInfo)
	buf = appendString(buf, fieldRecordDigest, r.DigestSha256)
	return buf
}

// Unmarshal decodes a record previously produced by Marshal.
func (r *PersistStorageRecord) Unmarshal(data []byte) error {
	*r = PersistStorageRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: PersistStorageRecord: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldRecordVersion:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("pb: PersistStorageRecord.version: %w", protowire.ParseError(n))
			}
			r.Version = uint32(v)
			data = data[n:]
		case fieldRecordContainer:
			s, rest, err := consumeString(data)
			if err != nil {
				return fmt.Errorf("pb: PersistStorageRecord.container: %w", err)
			}
			r.Container = s
			data = rest
		case fieldRecordDefPkgMap:
			s, rest, err := consumeString(data)
			if err != nil {
				return err
			}
			r.DefaultPackageMap = s
			data = rest
		case fieldRecordDefFlagMap:
			s, rest, err := consumeString(data)
			if err != nil {
				return err
			}
			r.DefaultFlagMap = s
			data = rest
		case fieldRecordDefFlagVal:
			s, rest, err := consumeString(data)
			if err != nil {
				return err
			}
			r.DefaultFlagVal = s
			data = rest
		case fieldRecordDefFlagInf:
			s, rest, err := consumeString(data)
			if err != nil {
				return err
			}
			r.DefaultFlagInfo = s
			data = rest
		case fieldRecordDigest:
			s, rest, err := consumeString(data)
			if err != nil {
				return err
			}
			r.DigestSha256 = s
			data = rest
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: PersistStorageRecord: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

// PersistStorageRecords is the record index persisted across daemon restarts.
type PersistStorageRecords struct {
	Records []PersistStorageRecord
}

// Marshal encodes each record length-delimited under field 1.
func (r *PersistStorageRecords) Marshal() []byte {
	var buf []byte
	for i := range r.Records {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Records[i].Marshal())
	}
	return buf
}

// Unmarshal decodes a PersistStorageRecords. A zero-length input decodes to
// an empty record list, matching read_pb_from_file's "missing file reads as
// a zero-value message" convention.
func (r *PersistStorageRecords) Unmarshal(data []byte) error {
	r.Records = nil
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: PersistStorageRecords: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: PersistStorageRecords: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("pb: PersistStorageRecords.records: %w", protowire.ParseError(n))
		}
		var rec PersistStorageRecord
		if err := rec.Unmarshal(b); err != nil {
			return err
		}
		r.Records = append(r.Records, rec)
		data = data[n:]
	}
	return nil
}

// FlagValueOverride is one persisted staged override: a (package, flag)
// pair and the string-encoded value staged for it. The local-override file
// a container's storage set keeps and the overrides an OTA staging message
// carries both use this same row shape.
type FlagValueOverride struct {
	PackageName string
	FlagName    string
	FlagValue   string
}

// FlagValueOverrides is the list persisted to a container's
// <container>_local_overrides.pb file.
type FlagValueOverrides struct {
	Overrides []FlagValueOverride
}

func (o *FlagValueOverride) marshal() []byte {
	var buf []byte
	buf = appendString(buf, 1, o.PackageName)
	buf = appendString(buf, 2, o.FlagName)
	buf = appendString(buf, 3, o.FlagValue)
	return buf
}

func (o *FlagValueOverride) unmarshal(data []byte) error {
	*o = FlagValueOverride{}
	return unmarshalFields(data, map[protowire.Number]func([]byte) error{
		1: strSetter(&o.PackageName),
		2: strSetter(&o.FlagName),
		3: strSetter(&o.FlagValue),
	})
}

// Marshal encodes the override list.
func (o *FlagValueOverrides) Marshal() []byte {
	var buf []byte
	for i := range o.Overrides {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, o.Overrides[i].marshal())
	}
	return buf
}

// Unmarshal decodes an override list. A missing file decodes to an empty
// list via the same ReadPB zero-value convention as PersistStorageRecords.
func (o *FlagValueOverrides) Unmarshal(data []byte) error {
	o.Overrides = nil
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: FlagValueOverrides: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: FlagValueOverrides: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("pb: FlagValueOverrides.overrides: %w", protowire.ParseError(n))
		}
		var ov FlagValueOverride
		if err := ov.unmarshal(b); err != nil {
			return err
		}
		o.Overrides = append(o.Overrides, ov)
		data = data[n:]
	}
	return nil
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func consumeString(data []byte) (string, []byte, error) {
	s, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", nil, protowire.ParseError(n)
	}
	return s, data[n:], nil
}
