package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/medrex/dlt-keyx/internal/storage"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/types"
)

const (
	// BundleVersion is the only bundle layout currently written
	BundleVersion = 1
	// MaxDocumentSize caps a decrypted file
	MaxDocumentSize = 64 << 20
	// maxBundleSize leaves room for the metadata and the AEAD overhead
	maxBundleSize = MaxDocumentSize + (1 << 20)
)

// Ref names a document by owner and identifier
type Ref struct {
	Owner      types.Identity `json:"owner"`
	DocumentID string         `json:"document_id"`
}

// Tuple returns the grant tuple through which recipient reads the document
func (r Ref) Tuple(recipient types.Identity) types.GrantTuple {
	return types.GrantTuple{Owner: r.Owner, Recipient: recipient, DocumentID: r.DocumentID}
}

// Metadata describes a medical record
type Metadata struct {
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Title       string            `json:"title,omitempty"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	UploadedAt  time.Time         `json:"uploaded_at"`
}

// Document is a decrypted record
type Document struct {
	Ref            Ref                    `json:"ref"`
	ContentAddress storage.ContentAddress `json:"content_address"`
	File           []byte                 `json:"-"`
	Metadata       Metadata               `json:"metadata"`
}

// Bundle is the encrypted form stored by content address. File and
// Metadata are AES-GCM ciphertexts bound to the owner and document id.
type Bundle struct {
	Version    uint16 `cbor:"version"`
	Owner      string `cbor:"owner"`
	DocumentID string `cbor:"document_id"`
	Compressed bool   `cbor:"compressed"`
	File       []byte `cbor:"file"`
	Metadata   []byte `cbor:"metadata"`
}

// bundleCodec encodes bundles and compresses file payloads
type bundleCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newBundleCodec() (*bundleCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &bundleCodec{encMode: em, decMode: dm, encoder: enc, decoder: dec}, nil
}

func associatedData(part string, ref Ref) []byte {
	return []byte("keyx/" + part + "\x00" + ref.Owner.Normalize().String() + "\x00" + ref.DocumentID)
}

// seal encrypts file and metadata under key and encodes the bundle
func (c *bundleCodec) seal(ref Ref, key encryption.ContentKey, file []byte, meta Metadata) ([]byte, error) {
	aead, err := encryption.NewAESEncryption(key)
	if err != nil {
		return nil, err
	}

	payload := file
	compressed := false
	if packed := c.encoder.EncodeAll(file, nil); len(packed) < len(file) {
		payload, compressed = packed, true
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	b := Bundle{
		Version:    BundleVersion,
		Owner:      ref.Owner.Normalize().String(),
		DocumentID: ref.DocumentID,
		Compressed: compressed,
	}
	if b.File, err = aead.Encrypt(payload, associatedData("file", ref)); err != nil {
		return nil, err
	}
	if b.Metadata, err = aead.Encrypt(metaJSON, associatedData("metadata", ref)); err != nil {
		return nil, err
	}
	return c.encMode.Marshal(&b)
}

func decryptFailed(ref Ref, reason string, cause error) *types.ProtocolError {
	return types.NewErrorWithCause(types.KindContentDecryptFailed, "document payload could not be decrypted", cause).
		WithIdentity(ref.Owner).
		WithDetail("document_id", ref.DocumentID).
		WithDetail("reason", reason)
}

// open decodes the bundle and decrypts both parts
func (c *bundleCodec) open(data []byte, ref Ref, key encryption.ContentKey) ([]byte, *Metadata, error) {
	if len(data) > maxBundleSize {
		return nil, nil, decryptFailed(ref, fmt.Sprintf("bundle of %d bytes exceeds the size limit", len(data)), nil)
	}
	var b Bundle
	if err := c.decMode.Unmarshal(data, &b); err != nil {
		return nil, nil, decryptFailed(ref, "bundle is not decodable", err)
	}
	if b.Version != BundleVersion {
		return nil, nil, decryptFailed(ref, fmt.Sprintf("unsupported bundle version %d", b.Version), nil)
	}
	if !ref.Owner.Equal(types.Identity(b.Owner)) || b.DocumentID != ref.DocumentID {
		return nil, nil, decryptFailed(ref, "bundle belongs to another document", nil)
	}

	aead, err := encryption.NewAESEncryption(key)
	if err != nil {
		return nil, nil, decryptFailed(ref, "content key is not usable", err)
	}
	payload, err := aead.Decrypt(b.File, associatedData("file", ref))
	if err != nil {
		return nil, nil, decryptFailed(ref, "file", err)
	}
	metaJSON, err := aead.Decrypt(b.Metadata, associatedData("metadata", ref))
	if err != nil {
		return nil, nil, decryptFailed(ref, "metadata", err)
	}

	file := payload
	if b.Compressed {
		if file, err = c.decoder.DecodeAll(payload, nil); err != nil {
			return nil, nil, decryptFailed(ref, "file decompression", err)
		}
	}

	var meta Metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, decryptFailed(ref, "metadata is not valid JSON", err)
	}
	return file, &meta, nil
}
