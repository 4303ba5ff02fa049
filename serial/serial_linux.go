// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

//go:build linux
// +build linux

package serial

var defaultConfig = Config{
	port: "/dev/ttyUSB0",
	baud: 9600,
}
