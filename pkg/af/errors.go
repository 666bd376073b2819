// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package af

import "fmt"

func errStripes(stripes int) error {
	return fmt.Errorf("stripes must be positive, got %d", stripes)
}

func errSplitSize(gotLen, blockSize, stripes int) error {
	return fmt.Errorf("split data length %d does not match blockSize*stripes (%d*%d)", gotLen, blockSize, stripes)
}
