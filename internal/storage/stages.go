package storage

// Pipeline stage names, used as cursor keys.
const (
	StageNormalize   = "normalize"
	StageAnomaly     = "anomaly"
	StageHotness     = "hotness"
	StageMaterialize = "materialize"
)
