package hugolite

import "github.com/knights-analytics/hugolite/util/fileutil"

// Paths are the artifacts written for one output path.
type Paths struct {
	// Stem is the output path without its extension.
	Stem       string
	Vocabulary string
	SavedModel string
	Output     string
}

// DerivePaths strips the extension of the final element of outputPath and derives the
// vocabulary file and saved-model directory from the remaining stem.
func DerivePaths(outputPath string) Paths {
	stem, _ := fileutil.SplitExt(outputPath)
	return Paths{
		Stem:       stem,
		Vocabulary: stem + "_vocab.json",
		SavedModel: stem + "_saved_model",
		Output:     outputPath,
	}
}
