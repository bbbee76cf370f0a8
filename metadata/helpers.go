package metadata

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/exp/slices"
)

// fromFile returns a *Metadata[T] object from a file and verifies
// that the data corresponds to the caller struct type
func fromFile[T Roles](name string) (*Metadata[T], error) {
	in, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("error opening metadata file - %s", name)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("error reading metadata bytes from file - %s", name)
	}
	return fromBytes[T](data)
}

// fromBytes returns a *Metadata[T] object from bytes and verifies
// that the data corresponds to the caller struct type
func fromBytes[T Roles](data []byte) (*Metadata[T], error) {
	meta := &Metadata[T]{}
	// verify that the type we used to create the object is the same as the type of the metadata file
	if err := checkType[T](data); err != nil {
		return nil, err
	}
	// if all is okay, unmarshal meta to the desired Metadata[T] type
	if err := meta.UnmarshalJSON(data); err != nil {
		return nil, ErrValue{Msg: fmt.Sprintf("malformed metadata - %s", err)}
	}
	// make sure signature key IDs are unique
	if err := checkUniqueSignatures(*meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// checkUniqueSignatures verifies that signature key IDs are unique for that metadata
func checkUniqueSignatures[T Roles](meta Metadata[T]) error {
	signatures := []string{}
	for _, sig := range meta.Signatures {
		if slices.Contains(signatures, sig.KeyID) {
			return ErrValue{Msg: fmt.Sprintf("multiple signatures found for key ID %s", sig.KeyID)}
		}
		signatures = append(signatures, sig.KeyID)
	}
	return nil
}

// checkType verifies that the generic type used to create the object matches
// the "_type" tag of the metadata file in bytes
func checkType[T Roles](data []byte) error {
	var peek struct {
		Signed struct {
			Type string `json:"_type"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ErrValue{Msg: fmt.Sprintf("malformed metadata envelope - %s", err)}
	}
	signedType := peek.Signed.Type
	var expected string
	switch any(new(T)).(type) {
	case *RootType:
		expected = ROOT
	case *TimestampType:
		expected = TIMESTAMP
	case *SnapshotType:
		expected = SNAPSHOT
	case *TargetsType:
		expected = TARGETS
	default:
		return ErrValue{Msg: fmt.Sprintf("unrecognized metadata type - %s", signedType)}
	}
	if expected != signedType {
		return ErrType{Msg: fmt.Sprintf("expected metadata type %s, got - %s", expected, signedType)}
	}
	return nil
}

// verifyLength verifies if the passed data has the corresponding length
func verifyLength(data []byte, length int64) error {
	if length != int64(len(data)) {
		return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("length verification failed - expected %d, got %d", length, len(data))}
	}
	return nil
}

// verifyHashes verifies that the digest of data matches every recognized
// algorithm in the claim. Unrecognized algorithms are skipped, but at
// least one recognized algorithm must be present.
func verifyHashes(data []byte, hashes Hashes) error {
	var hasher hash.Hash
	recognized := 0
	for k, v := range hashes {
		switch k {
		case "sha256":
			hasher = sha256.New()
		case "sha512":
			hasher = sha512.New()
		default:
			log.Info("Skipping unrecognized hash algorithm", "algorithm", k)
			continue
		}
		recognized++
		hasher.Write(data)
		if !bytes.Equal(v, hasher.Sum(nil)) {
			return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("hash verification failed - mismatch for algorithm %s", k)}
		}
	}
	if recognized == 0 {
		return ErrLengthOrHashMismatch{Msg: "hash verification failed - no recognized hash algorithm in claim"}
	}
	return nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || len(data)%2 != 0 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("invalid JSON hex bytes")
	}
	res := make([]byte, hex.DecodedLen(len(data)-2))
	_, err := hex.Decode(res, data[1:len(data)-1])
	if err != nil {
		return err
	}
	*b = res
	return nil
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	res := make([]byte, hex.EncodedLen(len(b))+2)
	res[0] = '"'
	res[len(res)-1] = '"'
	hex.Encode(res[1:], b)
	return res, nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}
