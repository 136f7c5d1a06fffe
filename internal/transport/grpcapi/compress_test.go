package grpcapi

import "testing"

func TestGZIPRoundTrip(t *testing.T) {
	compressor := NewGZIPCompressor()
	payload := []byte(`{"type":"operation","clientSeq":1}`)

	compressed, err := compressor.Compress(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatal("compressed payload empty")
	}
	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decompressed) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, payload)
	}
}

func TestGZIPDecompressEmpty(t *testing.T) {
	if _, err := NewGZIPCompressor().Decompress(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestCompressorForNegotiation(t *testing.T) {
	cases := map[string]string{"": EncodingGZIP, "GZIP": EncodingGZIP, "identity": EncodingIdentity}
	for name, want := range cases {
		compressor, err := CompressorFor(name)
		if err != nil {
			t.Fatalf("CompressorFor(%q): %v", name, err)
		}
		if compressor.Name() != want {
			t.Fatalf("CompressorFor(%q) = %s, want %s", name, compressor.Name(), want)
		}
	}
	if _, err := CompressorFor("brotli"); err == nil {
		t.Fatal("expected unsupported encoding error")
	}
}
