// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package metadata

import (
	"encoding/json"
)

// Custom marshal/unmarshal for every wire type. Fields the current
// code does not recognize are kept in UnrecognizedFields and written
// back out, so cached bytes keep reproducing their original digests.

func newDict(unrecognized map[string]any) map[string]any {
	dict := map[string]any{}
	for k, v := range unrecognized {
		dict[k] = v
	}
	return dict
}

func dropKnown(data []byte, known ...string) (map[string]any, error) {
	var dict map[string]any
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(dict, k)
	}
	if len(dict) == 0 {
		return map[string]any{}, nil
	}
	return dict, nil
}

func (meta Metadata[T]) MarshalJSON() ([]byte, error) {
	dict := newDict(meta.UnrecognizedFields)
	dict["signed"] = meta.Signed
	dict["signatures"] = meta.Signatures
	return json.Marshal(dict)
}

func (meta *Metadata[T]) UnmarshalJSON(data []byte) error {
	switch any(new(T)).(type) {
	case *RootType:
		dict := struct {
			Signed     RootType    `json:"signed"`
			Signatures []Signature `json:"signatures"`
		}{}
		if err := json.Unmarshal(data, &dict); err != nil {
			return err
		}
		var i interface{} = dict.Signed
		meta.Signed = i.(T)
		meta.Signatures = dict.Signatures
	case *TimestampType:
		dict := struct {
			Signed     TimestampType `json:"signed"`
			Signatures []Signature   `json:"signatures"`
		}{}
		if err := json.Unmarshal(data, &dict); err != nil {
			return err
		}
		var i interface{} = dict.Signed
		meta.Signed = i.(T)
		meta.Signatures = dict.Signatures
	case *SnapshotType:
		dict := struct {
			Signed     SnapshotType `json:"signed"`
			Signatures []Signature  `json:"signatures"`
		}{}
		if err := json.Unmarshal(data, &dict); err != nil {
			return err
		}
		var i interface{} = dict.Signed
		meta.Signed = i.(T)
		meta.Signatures = dict.Signatures
	case *TargetsType:
		dict := struct {
			Signed     TargetsType `json:"signed"`
			Signatures []Signature `json:"signatures"`
		}{}
		if err := json.Unmarshal(data, &dict); err != nil {
			return err
		}
		var i interface{} = dict.Signed
		meta.Signed = i.(T)
		meta.Signatures = dict.Signatures
	default:
		return ErrValue{Msg: "unrecognized metadata type"}
	}
	rest, err := dropKnown(data, "signed", "signatures")
	if err != nil {
		return err
	}
	meta.UnrecognizedFields = rest
	return nil
}

func (signed RootType) MarshalJSON() ([]byte, error) {
	dict := newDict(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["keys"] = signed.Keys
	dict["roles"] = signed.Roles
	return json.Marshal(dict)
}

func (signed *RootType) UnmarshalJSON(data []byte) error {
	type Alias RootType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = RootType(a)
	rest, err := dropKnown(data, "_type", "spec_version", "version", "expires", "keys", "roles")
	if err != nil {
		return err
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (signed TimestampType) MarshalJSON() ([]byte, error) {
	dict := newDict(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["meta"] = signed.Meta
	return json.Marshal(dict)
}

func (signed *TimestampType) UnmarshalJSON(data []byte) error {
	type Alias TimestampType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = TimestampType(a)
	rest, err := dropKnown(data, "_type", "spec_version", "version", "expires", "meta")
	if err != nil {
		return err
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (signed SnapshotType) MarshalJSON() ([]byte, error) {
	dict := newDict(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["meta"] = signed.Meta
	return json.Marshal(dict)
}

func (signed *SnapshotType) UnmarshalJSON(data []byte) error {
	type Alias SnapshotType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = SnapshotType(a)
	rest, err := dropKnown(data, "_type", "spec_version", "version", "expires", "meta")
	if err != nil {
		return err
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (signed TargetsType) MarshalJSON() ([]byte, error) {
	dict := newDict(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["targets"] = signed.Targets
	return json.Marshal(dict)
}

func (signed *TargetsType) UnmarshalJSON(data []byte) error {
	type Alias TargetsType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = TargetsType(a)
	rest, err := dropKnown(data, "_type", "spec_version", "version", "expires", "targets")
	if err != nil {
		return err
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (f MetaFiles) MarshalJSON() ([]byte, error) {
	dict := newDict(f.UnrecognizedFields)
	if f.Length != 0 {
		dict["length"] = f.Length
	}
	if len(f.Hashes) != 0 {
		dict["hashes"] = f.Hashes
	}
	if f.Version != 0 {
		dict["version"] = f.Version
	}
	return json.Marshal(dict)
}

func (f *MetaFiles) UnmarshalJSON(data []byte) error {
	type Alias MetaFiles
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = MetaFiles(a)
	rest, err := dropKnown(data, "length", "hashes", "version")
	if err != nil {
		return err
	}
	f.UnrecognizedFields = rest
	return nil
}

func (f TargetFiles) MarshalJSON() ([]byte, error) {
	dict := newDict(f.UnrecognizedFields)
	dict["length"] = f.Length
	dict["hashes"] = f.Hashes
	return json.Marshal(dict)
}

func (f *TargetFiles) UnmarshalJSON(data []byte) error {
	type Alias TargetFiles
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = TargetFiles(a)
	rest, err := dropKnown(data, "length", "hashes")
	if err != nil {
		return err
	}
	f.UnrecognizedFields = rest
	return nil
}

func (k *Key) MarshalJSON() ([]byte, error) {
	dict := newDict(k.UnrecognizedFields)
	dict["keytype"] = k.Type
	dict["scheme"] = k.Scheme
	dict["keyval"] = k.Value
	return json.Marshal(dict)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	type Alias struct {
		Type   string `json:"keytype"`
		Scheme string `json:"scheme"`
		Value  KeyVal `json:"keyval"`
	}
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	k.Type = a.Type
	k.Scheme = a.Scheme
	k.Value = a.Value
	rest, err := dropKnown(data, "keytype", "scheme", "keyval")
	if err != nil {
		return err
	}
	k.UnrecognizedFields = rest
	return nil
}

func (kv KeyVal) MarshalJSON() ([]byte, error) {
	dict := newDict(kv.UnrecognizedFields)
	dict["public"] = kv.PublicKey
	return json.Marshal(dict)
}

func (kv *KeyVal) UnmarshalJSON(data []byte) error {
	type Alias KeyVal
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*kv = KeyVal(a)
	rest, err := dropKnown(data, "public")
	if err != nil {
		return err
	}
	kv.UnrecognizedFields = rest
	return nil
}

func (r *Role) MarshalJSON() ([]byte, error) {
	dict := newDict(r.UnrecognizedFields)
	dict["keyids"] = r.KeyIDs
	dict["threshold"] = r.Threshold
	return json.Marshal(dict)
}

func (r *Role) UnmarshalJSON(data []byte) error {
	type Alias Role
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Role(a)
	rest, err := dropKnown(data, "keyids", "threshold")
	if err != nil {
		return err
	}
	r.UnrecognizedFields = rest
	return nil
}

func (s Signature) MarshalJSON() ([]byte, error) {
	dict := newDict(s.UnrecognizedFields)
	dict["keyid"] = s.KeyID
	dict["sig"] = s.Signature
	return json.Marshal(dict)
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	type Alias Signature
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Signature(a)
	rest, err := dropKnown(data, "keyid", "sig")
	if err != nil {
		return err
	}
	s.UnrecognizedFields = rest
	return nil
}
