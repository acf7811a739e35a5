// Package convert maps backend values to and from google.protobuf.Struct,
// the message type of every inkwell.v1.Backend method.
package convert

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/inkwell/internal/remote"
)

// opKey marks a struct value that encodes a field transform.
const opKey = "__op"

const (
	opIncrement   = "increment"
	opArrayUnion  = "arrayUnion"
	opArrayRemove = "arrayRemove"
	opDelete      = "delete"
)

// --- fields ---

// FieldsToStruct encodes a field map, transforms included.
func FieldsToStruct(fields map[string]any) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for k, v := range fields {
		pv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out.Fields[k] = pv
	}
	return out, nil
}

// FieldsFromStruct decodes a field map, turning __op values back into transforms.
func FieldsFromStruct(s *structpb.Struct) (map[string]any, error) {
	out := make(map[string]any, len(s.GetFields()))
	for k, v := range s.GetFields() {
		d, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

func encodeValue(v any) (*structpb.Value, error) {
	switch t := v.(type) {
	case remote.Increment:
		return opValue(opIncrement, map[string]*structpb.Value{"by": structpb.NewNumberValue(t.By)}), nil
	case remote.ArrayUnion:
		list, err := structpb.NewList(normalizeList(t.Values))
		if err != nil {
			return nil, err
		}
		return opValue(opArrayUnion, map[string]*structpb.Value{"values": structpb.NewListValue(list)}), nil
	case remote.ArrayRemove:
		list, err := structpb.NewList(normalizeList(t.Values))
		if err != nil {
			return nil, err
		}
		return opValue(opArrayRemove, map[string]*structpb.Value{"values": structpb.NewListValue(list)}), nil
	case remote.Delete:
		return opValue(opDelete, nil), nil
	}
	return structpb.NewValue(remote.Normalize(v))
}

func opValue(op string, args map[string]*structpb.Value) *structpb.Value {
	f := map[string]*structpb.Value{opKey: structpb.NewStringValue(op)}
	for k, v := range args {
		f[k] = v
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: f})
}

func decodeValue(v *structpb.Value) (any, error) {
	sv := v.GetStructValue()
	if sv == nil {
		return v.AsInterface(), nil
	}
	op, ok := sv.GetFields()[opKey]
	if !ok {
		return v.AsInterface(), nil
	}
	switch op.GetStringValue() {
	case opIncrement:
		return remote.Increment{By: sv.GetFields()["by"].GetNumberValue()}, nil
	case opArrayUnion:
		return remote.ArrayUnion{Values: sv.GetFields()["values"].GetListValue().AsSlice()}, nil
	case opArrayRemove:
		return remote.ArrayRemove{Values: sv.GetFields()["values"].GetListValue().AsSlice()}, nil
	case opDelete:
		return remote.Delete{}, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", op.GetStringValue())
	}
}

func normalizeList(vals []any) []any {
	out, _ := remote.Normalize(vals).([]any)
	return out
}

// --- documents ---

// DocumentToStruct encodes a stored document.
func DocumentToStruct(d remote.Document) (*structpb.Struct, error) {
	fields, err := FieldsToStruct(d.Fields)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"collection": structpb.NewStringValue(d.Collection),
		"id":         structpb.NewStringValue(d.ID),
		"fields":     structpb.NewStructValue(fields),
		"version":    structpb.NewNumberValue(float64(d.Version)),
		"createTime": structpb.NewStringValue(formatTime(d.CreateTime)),
		"updateTime": structpb.NewStringValue(formatTime(d.UpdateTime)),
	}}, nil
}

// DocumentFromStruct decodes a stored document.
func DocumentFromStruct(s *structpb.Struct) (remote.Document, error) {
	if s == nil {
		return remote.Document{}, errors.New("nil document")
	}
	fields, err := FieldsFromStruct(s.GetFields()["fields"].GetStructValue())
	if err != nil {
		return remote.Document{}, err
	}
	return remote.Document{
		Collection: String(s, "collection"),
		ID:         String(s, "id"),
		Fields:     fields,
		Version:    int64(Number(s, "version")),
		CreateTime: parseTime(String(s, "createTime")),
		UpdateTime: parseTime(String(s, "updateTime")),
	}, nil
}

// DocumentsToStruct encodes a document list under "documents".
func DocumentsToStruct(docs []remote.Document) (*structpb.Struct, error) {
	list, err := documentList(docs)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"documents": list}}, nil
}

// DocumentsFromStruct decodes the "documents" list.
func DocumentsFromStruct(s *structpb.Struct) ([]remote.Document, error) {
	vals := s.GetFields()["documents"].GetListValue().GetValues()
	out := make([]remote.Document, 0, len(vals))
	for i, v := range vals {
		d, err := DocumentFromStruct(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("documents[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func documentList(docs []remote.Document) (*structpb.Value, error) {
	vals := make([]*structpb.Value, 0, len(docs))
	for _, d := range docs {
		ds, err := DocumentToStruct(d)
		if err != nil {
			return nil, err
		}
		vals = append(vals, structpb.NewStructValue(ds))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals}), nil
}

// DocumentRequest addresses a collection or document, optionally with fields.
type DocumentRequest struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// Struct encodes the request.
func (r DocumentRequest) Struct() (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"collection": structpb.NewStringValue(r.Collection),
		"id":         structpb.NewStringValue(r.ID),
	}}
	if r.Fields != nil {
		fields, err := FieldsToStruct(r.Fields)
		if err != nil {
			return nil, err
		}
		out.Fields["fields"] = structpb.NewStructValue(fields)
	}
	return out, nil
}

// DocumentRequestFromStruct decodes a DocumentRequest.
func DocumentRequestFromStruct(s *structpb.Struct) (DocumentRequest, error) {
	r := DocumentRequest{Collection: String(s, "collection"), ID: String(s, "id")}
	if fv := s.GetFields()["fields"].GetStructValue(); fv != nil {
		fields, err := FieldsFromStruct(fv)
		if err != nil {
			return DocumentRequest{}, err
		}
		r.Fields = fields
	}
	return r, nil
}

// --- writes ---

// WritesToStruct encodes a batch under "writes".
func WritesToStruct(writes []remote.Write) (*structpb.Struct, error) {
	vals := make([]*structpb.Value, 0, len(writes))
	for i, w := range writes {
		kind := "update"
		if w.Kind == remote.WriteCreate {
			kind = "create"
		}
		req, err := DocumentRequest{Collection: w.Collection, ID: w.ID, Fields: w.Fields}.Struct()
		if err != nil {
			return nil, fmt.Errorf("writes[%d]: %w", i, err)
		}
		req.Fields["kind"] = structpb.NewStringValue(kind)
		vals = append(vals, structpb.NewStructValue(req))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"writes": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}, nil
}

// WritesFromStruct decodes a batch.
func WritesFromStruct(s *structpb.Struct) ([]remote.Write, error) {
	vals := s.GetFields()["writes"].GetListValue().GetValues()
	out := make([]remote.Write, 0, len(vals))
	for i, v := range vals {
		ws := v.GetStructValue()
		r, err := DocumentRequestFromStruct(ws)
		if err != nil {
			return nil, fmt.Errorf("writes[%d]: %w", i, err)
		}
		switch String(ws, "kind") {
		case "create":
			out = append(out, remote.CreateWrite(r.Collection, r.ID, r.Fields))
		case "update":
			out = append(out, remote.UpdateWrite(r.Collection, r.ID, r.Fields))
		default:
			return nil, fmt.Errorf("writes[%d]: unknown kind %q", i, String(ws, "kind"))
		}
	}
	return out, nil
}

// --- snapshots ---

// SnapshotToStruct encodes a subscription snapshot; a failed reload travels as "error".
func SnapshotToStruct(snap remote.Snapshot) (*structpb.Struct, error) {
	list, err := documentList(snap.Docs)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":      structpb.NewStringValue(snap.Path),
		"documents": list,
	}}
	if snap.Err != nil {
		out.Fields["error"] = structpb.NewStringValue(snap.Err.Error())
	}
	return out, nil
}

// SnapshotFromStruct decodes a subscription snapshot.
func SnapshotFromStruct(s *structpb.Struct) (remote.Snapshot, error) {
	docs, err := DocumentsFromStruct(s)
	if err != nil {
		return remote.Snapshot{}, err
	}
	snap := remote.Snapshot{Path: String(s, "path"), Docs: docs}
	if msg := String(s, "error"); msg != "" {
		snap.Err = errors.New(msg)
	}
	return snap, nil
}

// --- credentials and blobs ---

// CredentialToStruct encodes an issued credential.
func CredentialToStruct(c remote.Credential) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"uid":         structpb.NewStringValue(c.UID),
		"email":       structpb.NewStringValue(c.Email),
		"displayName": structpb.NewStringValue(c.DisplayName),
		"accessToken": structpb.NewStringValue(c.AccessToken),
		"expiresAt":   structpb.NewStringValue(formatTime(c.ExpiresAt)),
	}}
}

// CredentialFromStruct decodes an issued credential.
func CredentialFromStruct(s *structpb.Struct) remote.Credential {
	return remote.Credential{
		UID:         String(s, "uid"),
		Email:       String(s, "email"),
		DisplayName: String(s, "displayName"),
		AccessToken: String(s, "accessToken"),
		ExpiresAt:   parseTime(String(s, "expiresAt")),
	}
}

// UploadToStruct encodes an upload request; data travels base64-encoded.
func UploadToStruct(path string, data []byte, contentType string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":        structpb.NewStringValue(path),
		"contentType": structpb.NewStringValue(contentType),
		"data":        structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
	}}
}

// UploadFromStruct decodes an upload request.
func UploadFromStruct(s *structpb.Struct) (path string, data []byte, contentType string, err error) {
	data, err = base64.StdEncoding.DecodeString(String(s, "data"))
	if err != nil {
		return "", nil, "", fmt.Errorf("blob data: %w", err)
	}
	return String(s, "path"), data, String(s, "contentType"), nil
}

// BlobHandleToStruct encodes a stored blob with its public URL.
func BlobHandleToStruct(h remote.BlobHandle, url string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":        structpb.NewStringValue(h.Path),
		"contentType": structpb.NewStringValue(h.ContentType),
		"size":        structpb.NewNumberValue(float64(h.Size)),
		"url":         structpb.NewStringValue(url),
	}}
}

// BlobHandleFromStruct decodes a stored blob and its public URL.
func BlobHandleFromStruct(s *structpb.Struct) (remote.BlobHandle, string) {
	return remote.BlobHandle{
		Path:        String(s, "path"),
		ContentType: String(s, "contentType"),
		Size:        int64(Number(s, "size")),
	}, String(s, "url")
}

// --- helpers ---

// String reads a string field; missing fields read as "".
func String(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// Number reads a number field; missing fields read as 0.
func Number(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
