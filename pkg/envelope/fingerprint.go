package envelope

// Fingerprint is a deterministic content digest of a request or response
// payload. It is an audit/dedup aid, not a semantic similarity measure.
type Fingerprint struct {
	Simhash       string  `json:"simhash"`
	EmbeddingHash string  `json:"embedding_hash"`
	Length        int     `json:"length"`
	ModelID       string  `json:"model_id,omitempty"`
	ClusterID     *string `json:"cluster_id"` // reserved for clustering, always null

	// StreamMarker is set when the digest covers only a stream marker
	// rather than a response body. Streamed bodies are relayed unbuffered.
	StreamMarker bool `json:"stream_marker,omitempty"`
}

// NewFingerprint canonicalizes payload and digests it. The payload is not
// modified.
func NewFingerprint(payload any, modelID string) (Fingerprint, error) {
	digest, canonical, err := SumCanonical(payload)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Simhash:       "sha256:" + digest[:16],
		EmbeddingHash: "sha256:" + digest,
		Length:        len(canonical),
		ModelID:       modelID,
	}, nil
}

// StreamMarkerFingerprint digests {trace_id, stream: true}. It stands in for
// the response fingerprint of a streamed completion.
func StreamMarkerFingerprint(traceID, modelID string) (Fingerprint, error) {
	fp, err := NewFingerprint(map[string]any{"trace_id": traceID, "stream": true}, modelID)
	if err != nil {
		return Fingerprint{}, err
	}
	fp.StreamMarker = true
	return fp, nil
}
