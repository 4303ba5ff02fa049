// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

//go:build windows
// +build windows

package serial

var defaultConfig = Config{
	port: "COM1",
	baud: 9600,
}
