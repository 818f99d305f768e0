// Package wire defines the binary messages exchanged with the services
// upstream and downstream of the archive pipeline, plus helpers for the
// bucket path convention those messages use.
//
// Messages use the protobuf wire format (see messages.proto). The codec is
// hand-maintained over encoding/protowire: the schema is two small
// messages and keeping the repo free of generated code makes the field
// layout reviewable in one screen.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned when a payload cannot be decoded.
var ErrMalformedMessage = errors.New("malformed wire message")

// FileRef is one requested file in a download request: the object
// identifier inside the input bucket and the size the caller declared
// for it.
type FileRef struct {
	Object string
	Size   int64
}

// FileDownloadMessage is the upstream request consumed by the pipeline:
// who wants an archive, and of which files.
type FileDownloadMessage struct {
	Requester Requester
	Files     []FileRef
}

// UserNotificationMessage is the downstream completion notice POSTed to
// the notification endpoint, once per requester.
type UserNotificationMessage struct {
	Requester Requester
	Zipfile   string
	Files     []string
}

// Field numbers, mirrored in messages.proto.
const (
	fieldRequester = 1

	fieldDownloadFiles = 2

	fieldNotifyZipfile = 2
	fieldNotifyFiles   = 3

	fieldRequesterName  = 1
	fieldRequesterEmail = 2
	fieldRequesterID    = 3

	fieldFileObject = 1
	fieldFileSize   = 2
)

func appendRequester(b []byte, r Requester) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, fieldRequesterName, protowire.BytesType)
	sub = protowire.AppendString(sub, r.Name)
	sub = protowire.AppendTag(sub, fieldRequesterEmail, protowire.BytesType)
	sub = protowire.AppendString(sub, r.Email)
	if r.ID != "" {
		sub = protowire.AppendTag(sub, fieldRequesterID, protowire.BytesType)
		sub = protowire.AppendString(sub, r.ID)
	}
	b = protowire.AppendTag(b, fieldRequester, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func decodeRequester(b []byte) (Requester, error) {
	var r Requester
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldRequesterName:
			r.Name = string(v)
		case fieldRequesterEmail:
			r.Email = string(v)
		case fieldRequesterID:
			r.ID = string(v)
		}
	}
	return r, nil
}

// Encode serializes the download request to protobuf wire bytes.
func (m *FileDownloadMessage) Encode() []byte {
	var b []byte
	b = appendRequester(b, m.Requester)
	for _, f := range m.Files {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldFileObject, protowire.BytesType)
		sub = protowire.AppendString(sub, f.Object)
		if f.Size != 0 {
			sub = protowire.AppendTag(sub, fieldFileSize, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(f.Size))
		}
		b = protowire.AppendTag(b, fieldDownloadFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func decodeFileRef(b []byte) (FileRef, error) {
	var f FileRef
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldFileObject && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.Object = string(v)
			b = b[n:]
		case num == fieldFileSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.Size = int64(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// DecodeFileDownload parses an upstream download request. Malformed
// payloads fail with ErrMalformedMessage.
func DecodeFileDownload(data []byte) (*FileDownloadMessage, error) {
	m := &FileDownloadMessage{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldRequester:
			r, err := decodeRequester(v)
			if err != nil {
				return nil, fmt.Errorf("%w: requester: %v", ErrMalformedMessage, err)
			}
			m.Requester = r
		case fieldDownloadFiles:
			f, err := decodeFileRef(v)
			if err != nil {
				return nil, fmt.Errorf("%w: file: %v", ErrMalformedMessage, err)
			}
			m.Files = append(m.Files, f)
		}
	}
	return m, nil
}

// Encode serializes the notification to protobuf wire bytes.
func (m *UserNotificationMessage) Encode() []byte {
	var b []byte
	b = appendRequester(b, m.Requester)
	b = protowire.AppendTag(b, fieldNotifyZipfile, protowire.BytesType)
	b = protowire.AppendString(b, m.Zipfile)
	for _, f := range m.Files {
		b = protowire.AppendTag(b, fieldNotifyFiles, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	return b
}

// DecodeUserNotification parses a completion notice. Malformed payloads
// fail with ErrMalformedMessage.
func DecodeUserNotification(data []byte) (*UserNotificationMessage, error) {
	m := &UserNotificationMessage{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldRequester:
			r, err := decodeRequester(v)
			if err != nil {
				return nil, fmt.Errorf("%w: requester: %v", ErrMalformedMessage, err)
			}
			m.Requester = r
		case fieldNotifyZipfile:
			m.Zipfile = string(v)
		case fieldNotifyFiles:
			m.Files = append(m.Files, string(v))
		}
	}
	return m, nil
}
