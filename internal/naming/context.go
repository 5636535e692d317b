package naming

// BuildContext carries everything naming needs from the run parameters. It is
// passed explicitly into key and job construction.
type BuildContext struct {
	Prefix string
	Bucket string
}

func (c BuildContext) bucketFor(dependent bool) string {
	if dependent {
		return c.Bucket
	}
	return BucketAny
}

// Raw is the imported source table of a dataset. Imports never depend on turbine geometry.
func (c BuildContext) Raw(core string) ArtifactKey {
	return ArtifactKey{Prefix: c.Prefix, Core: NormalizeCore(core), Stage: StageRaw, Bucket: BucketAny}
}

// Buffered is the buffered table of a dataset; buffer must be > 0.
func (c BuildContext) Buffered(core string, buffer float64, dependent bool) ArtifactKey {
	b := buffer
	return ArtifactKey{Prefix: c.Prefix, Core: NormalizeCore(core), Stage: StageBuffered, Buffer: &b, Bucket: c.bucketFor(dependent)}
}

// Processed is the clipped and dissolved table of a single dataset.
func (c BuildContext) Processed(core string, buffer float64, dependent bool) ArtifactKey {
	k := ArtifactKey{Prefix: c.Prefix, Core: NormalizeCore(core), Stage: StageProcessed, Bucket: c.bucketFor(dependent)}
	if buffer > 0 {
		b := buffer
		k.Buffer = &b
	}
	return k
}

// Final is the amalgamated table of a parent, group or the overall layer.
func (c BuildContext) Final(core string, dependent bool) ArtifactKey {
	return ArtifactKey{Prefix: c.Prefix, Core: NormalizeCore(core), Stage: StageFinal, Bucket: c.bucketFor(dependent)}
}
