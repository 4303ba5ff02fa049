// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

//go:build darwin
// +build darwin

package serial

var defaultConfig = Config{
	port: "/dev/tty.usbserial",
	baud: 9600,
}
