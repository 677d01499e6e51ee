package config

import "runtime"

// Default returns the structural defaults. Corpus-tuned thresholds are
// left zero and must come from a params file.
func Default() Params {
	return Params{
		Preprocess: Preprocess{
			WorkingWidth:        1080,
			MinWidth:            240,
			MaxWidth:            8000,
			MinHeight:           240,
			MaxHeight:           16000,
			CLAHETile:           8,
			BilateralDiameter:   5,
			BilateralSigmaColor: 30,
			BilateralSigmaSpace: 30,
		},
		Segment: Segment{
			ProfileXFrom: 0,
			ProfileXTo:   1,
			SmoothWindow: 3,
			Dialog: Dialog{
				CloseKernel: 9,
				CloseIter:   2,
				MinExtent:   0.65,
			},
		},
		Match: Match{
			PatchWidth:    256,
			PatchHeight:   64,
			IdentityXFrom: 0,
			IdentityXTo:   1,
			CenterFrac:    0.9,
		},
		Shape: Shape{
			Upscale:   2,
			BlockSize: 21,
		},
		Engine: Engine{
			Workers: max(1, runtime.NumCPU()/2),
			Overlay: true,
			Name:    "imatch",
		},
	}
}
