package capture

// Validate checks a candidate batch against the assets already held. The batch
// is judged as a whole: any violation rejects every candidate. Count is checked
// first, then each candidate's type and size in batch order.
func Validate(candidates, existing []ImageAsset) error {
	if total := len(existing) + len(candidates); total > MaxAssets {
		return &ValidationError{Kind: CountExceeded, Index: -1, Count: total}
	}
	for i, a := range candidates {
		if !acceptedMediaTypes[a.MediaType] {
			return &ValidationError{Kind: UnsupportedType, Index: i, FileName: a.FileName, MediaType: a.MediaType}
		}
		// content must agree with the declaration when it could be sniffed
		if a.DetectedType != "" && a.DetectedType != a.MediaType {
			return &ValidationError{Kind: UnsupportedType, Index: i, FileName: a.FileName, MediaType: a.DetectedType}
		}
		if a.Size > MaxAssetBytes || int64(len(a.Data)) > MaxAssetBytes {
			return &ValidationError{Kind: SizeExceeded, Index: i, FileName: a.FileName, Size: a.Size}
		}
	}
	return nil
}
