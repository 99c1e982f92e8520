// Copyright 2024 Andrew Dunstall. All rights reserved.
//
// Use of this source code is governed by a MIT style license that can be
// found in the LICENSE file.

package cli

// Start runs the swarm command line.
func Start() error {
	return NewCommand().Execute()
}
