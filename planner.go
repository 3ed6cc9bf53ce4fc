package driveput

// PlanChunks computes the chunk descriptors covering [0, totalLength) under
// the backend's constraints. Every non-final chunk has length c.MaxChunk,
// which the constraints guarantee is alignment-satisfying; the final chunk
// covers the remainder and is exempt from alignment.
//
// Fails with a validation error when totalLength is not positive, or when
// the constraints themselves are inconsistent (MinChunk > MaxChunk,
// MaxChunk not a multiple of Alignment) — the latter is a backend
// declaration bug, never a caller error.
func PlanChunks(totalLength int64, c Constraints) ([]ChunkDescriptor, error) {
	if totalLength <= 0 {
		return nil, Errf(KindValidation, "cannot plan upload of %d bytes", totalLength)
	}

	if c.MaxChunk <= 0 {
		return nil, Errf(KindValidation, "constraints declare max chunk %d, must be positive", c.MaxChunk)
	}

	if c.MinChunk > c.MaxChunk {
		return nil, Errf(KindValidation, "constraints declare min chunk %d > max chunk %d", c.MinChunk, c.MaxChunk)
	}

	if c.Alignment > 0 && c.MaxChunk%c.Alignment != 0 {
		return nil, Errf(KindValidation, "constraints declare max chunk %d not a multiple of alignment %d", c.MaxChunk, c.Alignment)
	}

	count := int((totalLength + c.MaxChunk - 1) / c.MaxChunk)
	descs := make([]ChunkDescriptor, 0, count)

	for offset := int64(0); offset < totalLength; {
		length := c.MaxChunk
		if offset+length > totalLength {
			length = totalLength - offset
		}

		descs = append(descs, ChunkDescriptor{
			Index:  len(descs),
			Offset: offset,
			Length: length,
			Final:  offset+length == totalLength,
		})

		offset += length
	}

	return descs, nil
}
