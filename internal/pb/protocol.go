package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OverrideType mirrors the three override kinds a FlagOverrideMessage can
// request: a server-pushed value applied on next boot, a locally staged
// value applied on next boot, or a local value applied immediately against
// the running boot snapshot.
type OverrideType int32

const (
	OverrideTypeServerOnReboot OverrideType = 1
	OverrideTypeLocalOnReboot  OverrideType = 2
	OverrideTypeLocalImmediate OverrideType = 3
)

// NewStorageMessage registers or upgrades one container's storage files.
type NewStorageMessage struct {
	Container  string
	PackageMap string
	FlagMap    string
	FlagVal    string
	FlagInfo   string
}

// FlagOverrideMessage stages (and for LOCAL_IMMEDIATE, applies) an override.
type FlagOverrideMessage struct {
	PackageName  string
	FlagName     string
	FlagValue    string
	OverrideType OverrideType
}

// OTAFlagStagingMessage carries an OTA-staged override batch plus the build
// fingerprint it's conditioned on. This is also the exact shape written
// verbatim to flags/ota.pb: the daemon's OtaStaging handler persists the
// request as-is, and startup later reads the same file back through this
// type's own Marshal/Unmarshal.
type OTAFlagStagingMessage struct {
	BuildID   string
	Overrides []FlagValueOverride
}

const (
	fieldOTABuildID   = 1
	fieldOTAOverrides = 2
)

// Marshal encodes the message on its own, independent of whichever oneof
// wrapper (request or on-disk staging file) it's embedded in.
func (m *OTAFlagStagingMessage) Marshal() []byte {
	var buf []byte
	buf = appendString(buf, fieldOTABuildID, m.BuildID)
	for i := range m.Overrides {
		buf = protowire.AppendTag(buf, fieldOTAOverrides, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Overrides[i].marshal())
	}
	return buf
}

// Unmarshal decodes a message previously produced by Marshal.
func (m *OTAFlagStagingMessage) Unmarshal(data []byte) error {
	*m = OTAFlagStagingMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: OTAFlagStagingMessage: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldOTABuildID:
			s, rest, err := consumeString(data)
			if err != nil {
				return fmt.Errorf("pb: OTAFlagStagingMessage.build_id: %w", err)
			}
			m.BuildID = s
			data = rest
		case fieldOTAOverrides:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("pb: OTAFlagStagingMessage.overrides: %w", protowire.ParseError(n))
			}
			var ov FlagValueOverride
			if err := ov.unmarshal(b); err != nil {
				return err
			}
			m.Overrides = append(m.Overrides, ov)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: OTAFlagStagingMessage: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

// FlagQueryMessage asks for one flag's full multi-tier snapshot.
type FlagQueryMessage struct {
	PackageName string
	FlagName    string
}

// ListStorageMessage lists flags for one container, optionally scoped to a
// single package within it.
type ListStorageMessage struct {
	Container   string
	PackageName string // empty means "all packages in the container"
}

// RemoveLocalOverrideMessage removes one local override, or every local
// override in the named container when RemoveAll is set (PackageName and
// FlagName are then ignored).
type RemoveLocalOverrideMessage struct {
	PackageName string
	FlagName    string
	Container   string
	RemoveAll   bool
}

// ResetStorageMessage asks the daemon to rebuild every container's storage
// from its persisted record, discarding all staged and applied overrides.
type ResetStorageMessage struct{}

// StorageRequestMessage is a tagged union: exactly one of the fields below
// is non-nil. Dispatch is a switch over which field is set, never a
// polymorphic interface method.
type StorageRequestMessage struct {
	NewStorage          *NewStorageMessage
	FlagOverride        *FlagOverrideMessage
	OTAFlagStaging      *OTAFlagStagingMessage
	FlagQuery           *FlagQueryMessage
	ListStorage         *ListStorageMessage
	RemoveLocalOverride *RemoveLocalOverrideMessage
	ResetStorage        *ResetStorageMessage
}

// FlagQueryReturnMessage is the full snapshot spec.md's FlagSnapshot carries.
type FlagQueryReturnMessage struct {
	PackageName       string
	FlagName          string
	ServerFlagValue   string
	LocalFlagValue    string
	BootFlagValue     string
	DefaultFlagValue  string
	IsReadWrite       bool
	HasServerOverride bool
	HasLocalOverride  bool
}

// StorageReturnMessage is the tagged-union reply to one StorageRequestMessage.
// ErrorMessage is set instead of the matching success field when the
// request failed; the daemon never aborts a batch because one request in it
// failed (spec.md §7's per-request error propagation).
type StorageReturnMessage struct {
	ErrorMessage string

	FlagQuery   *FlagQueryReturnMessage
	ListStorage []FlagQueryReturnMessage
}

const (
	fieldReqNewStorage          = 1
	fieldReqFlagOverride        = 2
	fieldReqOTAFlagStaging      = 3
	fieldReqFlagQuery           = 4
	fieldReqListStorage         = 5
	fieldReqRemoveLocalOverride = 6
	fieldReqResetStorage        = 7
)

// Marshal encodes the oneof wrapper. Sub-message field layouts are fixed:
// NewStorageMessage{1:container,2:package_map,3:flag_map,4:flag_val,5:flag_info}
// FlagOverrideMessage{1:package,2:flag,3:value,4:override_type}
// OTAFlagStagingMessage{1:build_id, 2:repeated FlagValueOverride overrides}
// FlagQueryMessage{1:package,2:flag}
// ListStorageMessage{1:container,2:package}
// RemoveLocalOverrideMessage{1:package,2:flag,3:container,4:remove_all}
// ResetStorageMessage{}
func (m *StorageRequestMessage) Marshal() []byte {
	var buf []byte
	switch {
	case m.NewStorage != nil:
		var sub []byte
		sub = appendString(sub, 1, m.NewStorage.Container)
		sub = appendString(sub, 2, m.NewStorage.PackageMap)
		sub = appendString(sub, 3, m.NewStorage.FlagMap)
		sub = appendString(sub, 4, m.NewStorage.FlagVal)
		sub = appendString(sub, 5, m.NewStorage.FlagInfo)
		buf = protowire.AppendTag(buf, fieldReqNewStorage, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	case m.FlagOverride != nil:
		var sub []byte
		sub = appendString(sub, 1, m.FlagOverride.PackageName)
		sub = appendString(sub, 2, m.FlagOverride.FlagName)
		sub = appendString(sub, 3, m.FlagOverride.FlagValue)
		sub = protowire.AppendTag(sub, 4, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(m.FlagOverride.OverrideType))
		buf = protowire.AppendTag(buf, fieldReqFlagOverride, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	case m.OTAFlagStaging != nil:
		buf = protowire.AppendTag(buf, fieldReqOTAFlagStaging, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.OTAFlagStaging.Marshal())
	case m.FlagQuery != nil:
		var sub []byte
		sub = appendString(sub, 1, m.FlagQuery.PackageName)
		sub = appendString(sub, 2, m.FlagQuery.FlagName)
		buf = protowire.AppendTag(buf, fieldReqFlagQuery, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	case m.ListStorage != nil:
		var sub []byte
		sub = appendString(sub, 1, m.ListStorage.Container)
		sub = appendString(sub, 2, m.ListStorage.PackageName)
		buf = protowire.AppendTag(buf, fieldReqListStorage, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	case m.RemoveLocalOverride != nil:
		var sub []byte
		sub = appendString(sub, 1, m.RemoveLocalOverride.PackageName)
		sub = appendString(sub, 2, m.RemoveLocalOverride.FlagName)
		sub = appendString(sub, 3, m.RemoveLocalOverride.Container)
		sub = protowire.AppendTag(sub, 4, protowire.VarintType)
		sub = protowire.AppendVarint(sub, boolToVarint(m.RemoveLocalOverride.RemoveAll))
		buf = protowire.AppendTag(buf, fieldReqRemoveLocalOverride, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	case m.ResetStorage != nil:
		buf = protowire.AppendTag(buf, fieldReqResetStorage, protowire.BytesType)
		buf = protowire.AppendBytes(buf, nil)
	}
	return buf
}

// Unmarshal decodes exactly one oneof field into m.
func (m *StorageRequestMessage) Unmarshal(data []byte) error {
	*m = StorageRequestMessage{}
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return fmt.Errorf("pb: StorageRequestMessage: bad tag: %w", protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return fmt.Errorf("pb: StorageRequestMessage: field %d not length-delimited", num)
	}
	body, bn := protowire.ConsumeBytes(data[n:])
	if bn < 0 {
		return fmt.Errorf("pb: StorageRequestMessage: %w", protowire.ParseError(bn))
	}

	switch num {
	case fieldReqNewStorage:
		msg := &NewStorageMessage{}
		if err := unmarshalFields(body, map[protowire.Number]func([]byte) error{
			1: strSetter(&msg.Container),
			2: strSetter(&msg.PackageMap),
			3: strSetter(&msg.FlagMap),
			4: strSetter(&msg.FlagVal),
			5: strSetter(&msg.FlagInfo),
		}); err != nil {
			return err
		}
		m.NewStorage = msg
	case fieldReqFlagOverride:
		msg := &FlagOverrideMessage{}
		var ot uint64
		if err := unmarshalFields(body, map[protowire.Number]func([]byte) error{
			1: strSetter(&msg.PackageName),
			2: strSetter(&msg.FlagName),
			3: strSetter(&msg.FlagValue),
			4: varintSetter(&ot),
		}); err != nil {
			return err
		}
		msg.OverrideType = OverrideType(ot)
		m.FlagOverride = msg
	case fieldReqOTAFlagStaging:
		msg := &OTAFlagStagingMessage{}
		if err := msg.Unmarshal(body); err != nil {
			return err
		}
		m.OTAFlagStaging = msg
	case fieldReqFlagQuery:
		msg := &FlagQueryMessage{}
		if err := unmarshalFields(body, map[protowire.Number]func([]byte) error{
			1: strSetter(&msg.PackageName),
			2: strSetter(&msg.FlagName),
		}); err != nil {
			return err
		}
		m.FlagQuery = msg
	case fieldReqListStorage:
		msg := &ListStorageMessage{}
		if err := unmarshalFields(body, map[protowire.Number]func([]byte) error{
			1: strSetter(&msg.Container),
			2: strSetter(&msg.PackageName),
		}); err != nil {
			return err
		}
		m.ListStorage = msg
	case fieldReqRemoveLocalOverride:
		msg := &RemoveLocalOverrideMessage{}
		var all uint64
		if err := unmarshalFields(body, map[protowire.Number]func([]byte) error{
			1: strSetter(&msg.PackageName),
			2: strSetter(&msg.FlagName),
			3: strSetter(&msg.Container),
			4: varintSetter(&all),
		}); err != nil {
			return err
		}
		msg.RemoveAll = all != 0
		m.RemoveLocalOverride = msg
	case fieldReqResetStorage:
		m.ResetStorage = &ResetStorageMessage{}
	default:
		return fmt.Errorf("pb: StorageRequestMessage: unknown oneof field %d", num)
	}
	return nil
}

const (
	fieldRespError       = 1
	fieldRespFlagQuery   = 2
	fieldRespListStorage = 3
)

func flagQueryReturnFields(v *FlagQueryReturnMessage) map[protowire.Number]func([]byte) error {
	return map[protowire.Number]func([]byte) error{
		1: strSetter(&v.PackageName),
		2: strSetter(&v.FlagName),
		3: strSetter(&v.ServerFlagValue),
		4: strSetter(&v.LocalFlagValue),
		5: strSetter(&v.BootFlagValue),
		6: strSetter(&v.DefaultFlagValue),
		7: boolSetter(&v.IsReadWrite),
		8: boolSetter(&v.HasServerOverride),
		9: boolSetter(&v.HasLocalOverride),
	}
}

func marshalFlagQueryReturn(v *FlagQueryReturnMessage) []byte {
	var sub []byte
	sub = appendString(sub, 1, v.PackageName)
	sub = appendString(sub, 2, v.FlagName)
	sub = appendString(sub, 3, v.ServerFlagValue)
	sub = appendString(sub, 4, v.LocalFlagValue)
	sub = appendString(sub, 5, v.BootFlagValue)
	sub = appendString(sub, 6, v.DefaultFlagValue)
	sub = protowire.AppendTag(sub, 7, protowire.VarintType)
	sub = protowire.AppendVarint(sub, boolToVarint(v.IsReadWrite))
	sub = protowire.AppendTag(sub, 8, protowire.VarintType)
	sub = protowire.AppendVarint(sub, boolToVarint(v.HasServerOverride))
	sub = protowire.AppendTag(sub, 9, protowire.VarintType)
	sub = protowire.AppendVarint(sub, boolToVarint(v.HasLocalOverride))
	return sub
}

// Marshal encodes a StorageReturnMessage.
func (m *StorageReturnMessage) Marshal() []byte {
	var buf []byte
	if m.ErrorMessage != "" {
		buf = appendString(buf, fieldRespError, m.ErrorMessage)
		return buf
	}
	if m.FlagQuery != nil {
		buf = protowire.AppendTag(buf, fieldRespFlagQuery, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalFlagQueryReturn(m.FlagQuery))
		return buf
	}
	for i := range m.ListStorage {
		buf = protowire.AppendTag(buf, fieldRespListStorage, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalFlagQueryReturn(&m.ListStorage[i]))
	}
	return buf
}

// Unmarshal decodes a StorageReturnMessage.
func (m *StorageReturnMessage) Unmarshal(data []byte) error {
	*m = StorageReturnMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: StorageReturnMessage: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldRespError:
			s, rest, err := consumeString(data)
			if err != nil {
				return err
			}
			m.ErrorMessage = s
			data = rest
		case fieldRespFlagQuery:
			body, bn := protowire.ConsumeBytes(data)
			if bn < 0 {
				return fmt.Errorf("pb: StorageReturnMessage.flag_query: %w", protowire.ParseError(bn))
			}
			v := &FlagQueryReturnMessage{}
			if err := unmarshalFields(body, flagQueryReturnFields(v)); err != nil {
				return err
			}
			m.FlagQuery = v
			data = data[bn:]
		case fieldRespListStorage:
			body, bn := protowire.ConsumeBytes(data)
			if bn < 0 {
				return fmt.Errorf("pb: StorageReturnMessage.list_storage: %w", protowire.ParseError(bn))
			}
			var v FlagQueryReturnMessage
			if err := unmarshalFields(body, flagQueryReturnFields(&v)); err != nil {
				return err
			}
			m.ListStorage = append(m.ListStorage, v)
			data = data[bn:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: StorageReturnMessage: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func strSetter(dst *string) func([]byte) error {
	return func(data []byte) error {
		s, n := protowire.ConsumeString(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		*dst = s
		return nil
	}
}

func varintSetter(dst *uint64) func([]byte) error {
	return func(data []byte) error {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		*dst = v
		return nil
	}
}

func boolSetter(dst *bool) func([]byte) error {
	return func(data []byte) error {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		*dst = v != 0
		return nil
	}
}

// unmarshalFields walks a length-delimited message body and dispatches each
// field to the setter registered for its number, skipping unknown fields.
// Setters receive the remaining bytes starting at the field's value and are
// responsible for consuming exactly their own value via protowire.Consume*.
func unmarshalFields(data []byte, setters map[protowire.Number]func([]byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		setter, ok := setters[num]
		if !ok {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		var consumeLen int
		switch typ {
		case protowire.VarintType:
			_, consumeLen = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			_, consumeLen = protowire.ConsumeBytes(data)
		default:
			consumeLen = protowire.ConsumeFieldValue(num, typ, data)
		}
		if consumeLen < 0 {
			return protowire.ParseError(consumeLen)
		}
		if err := setter(data); err != nil {
			return err
		}
		data = data[consumeLen:]
	}
	return nil
}

// StorageRequestMessages is a batch of requests framed together on the wire.
type StorageRequestMessages struct {
	Msgs []StorageRequestMessage
}

// Marshal encodes the batch, each request length-delimited under field 1.
func (b *StorageRequestMessages) Marshal() []byte {
	var buf []byte
	for i := range b.Msgs {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.Msgs[i].Marshal())
	}
	return buf
}

// Unmarshal decodes a batch.
func (b *StorageRequestMessages) Unmarshal(data []byte) error {
	b.Msgs = nil
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: StorageRequestMessages: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: StorageRequestMessages: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		body, bn := protowire.ConsumeBytes(data)
		if bn < 0 {
			return fmt.Errorf("pb: StorageRequestMessages: %w", protowire.ParseError(bn))
		}
		var msg StorageRequestMessage
		if err := msg.Unmarshal(body); err != nil {
			return err
		}
		b.Msgs = append(b.Msgs, msg)
		data = data[bn:]
	}
	return nil
}

// StorageReturnMessages is a batch of replies, one per request in the batch
// that prompted it, same order.
type StorageReturnMessages struct {
	Msgs []StorageReturnMessage
}

// Marshal encodes the batch.
func (b *StorageReturnMessages) Marshal() []byte {
	var buf []byte
	for i := range b.Msgs {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.Msgs[i].Marshal())
	}
	return buf
}

// Unmarshal decodes a batch.
func (b *StorageReturnMessages) Unmarshal(data []byte) error {
	b.Msgs = nil
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pb: StorageReturnMessages: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("pb: StorageReturnMessages: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		body, bn := protowire.ConsumeBytes(data)
		if bn < 0 {
			return fmt.Errorf("pb: StorageReturnMessages: %w", protowire.ParseError(bn))
		}
		var msg StorageReturnMessage
		if err := msg.Unmarshal(body); err != nil {
			return err
		}
		b.Msgs = append(b.Msgs, msg)
		data = data[bn:]
	}
	return nil
}
