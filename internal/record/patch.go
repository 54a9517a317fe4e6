package record

// Patch is a partial record update. Nil fields are left unchanged.
// The key cannot be patched.
type Patch struct {
	DisplayName *string
	OutputPath  *string
	Processed   *bool
	Verified    *bool
	Keypoints   *[]Keypoint
	BoundingBox *BoundingBox
	ModelName   *string
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.DisplayName == nil &&
		p.OutputPath == nil &&
		p.Processed == nil &&
		p.Verified == nil &&
		p.Keypoints == nil &&
		p.BoundingBox == nil &&
		p.ModelName == nil
}

// Apply returns a copy of r with every non-nil patch field overwritten.
// r itself is not modified.
func (p Patch) Apply(r Record) Record {
	out := r.Clone()
	if p.DisplayName != nil {
		out.DisplayName = *p.DisplayName
	}
	if p.OutputPath != nil {
		out.OutputPath = *p.OutputPath
	}
	if p.Processed != nil {
		out.Processed = *p.Processed
	}
	if p.Verified != nil {
		out.Verified = *p.Verified
	}
	if p.Keypoints != nil {
		out.Keypoints = make([]Keypoint, len(*p.Keypoints))
		copy(out.Keypoints, *p.Keypoints)
	}
	if p.BoundingBox != nil {
		out.BoundingBox = make(BoundingBox, len(*p.BoundingBox))
		copy(out.BoundingBox, *p.BoundingBox)
	}
	if p.ModelName != nil {
		out.ModelName = *p.ModelName
	}
	return out
}
