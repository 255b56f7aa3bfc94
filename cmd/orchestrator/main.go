/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"fmt"

	"github.com/casarerpa/orchestrator/pkg/server"
)

func main() {
	s, err := server.NewServer()
	if err != nil {
		fmt.Println("failed to new server, err: ", err.Error())
		return
	}
	s.Start()
}
