package scanner

import (
	"bytes"
	"context"
	"encoding/base64"
)

// EICARFamily is reported for artifacts containing the EICAR test string.
const EICARFamily = "Eicar Test File"

var eicar, _ = base64.StdEncoding.DecodeString("WDVPIVAlQEFQWzRcUFpYNTQoUF4pN0NDKTd9JEVJQ0FSLVNUQU5EQVJELUFOVElWSVJVUy1URVNULUZJTEUhJEgrSCo=")

// EICAR flags artifacts that contain the EICAR antivirus test file and
// asserts benign on everything else.
type EICAR struct{}

func (EICAR) Scan(ctx context.Context, _ string, content []byte, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if bytes.Contains(content, eicar) {
		return Result{Bit: true, Verdict: true, Confidence: 1, Metadata: NewMetadata(EICARFamily).String()}, nil
	}
	return Result{Bit: true, Verdict: false, Confidence: 1, Metadata: NewMetadata("").String()}, nil
}

// EICARSample returns the EICAR test string.
func EICARSample() []byte {
	return append([]byte(nil), eicar...)
}
