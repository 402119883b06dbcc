// Copyright © 2017 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of wr.
//
//  wr is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wr is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wr. If not, see <http://www.gnu.org/licenses/>.

package rp

import "fmt"

// ErrOverMaximumTokens is used as part of Error when Request() is called
// for more tokens than maxTokens allows for.
const ErrOverMaximumTokens = "numTokens exceeds the maximum tokens for this protector"

// Error records a Protector operation and the error that occurred.
type Error struct {
	Protector string  // the Name of the Protector
	Operation string  // "Request", "WaitUntilGranted", ...
	Receipt   Receipt // the Receipt involved, if any
	Err       string  // one of our Err* constants
}

func (e Error) Error() string {
	if e.Receipt != "" {
		return fmt.Sprintf("rp(%s) %s(%s): %s", e.Protector, e.Operation, e.Receipt, e.Err)
	}
	return fmt.Sprintf("rp(%s) %s: %s", e.Protector, e.Operation, e.Err)
}
