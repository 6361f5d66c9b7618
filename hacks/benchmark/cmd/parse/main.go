/*
 * Copyright 2025 Alexandre Mahdhaoui
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package main

import (
	"fmt"
	"os"
	"regexp"
)

const usage = `USAGE:
	%s <BENCHMARK LOG PATH>
`

// BenchmarkRebalance/servers=32/fraction=0.10-16      20000      61234 ns/op      4.18 %touchedRules/op      96.00 rules/op      41234 B/op      512 allocs/op

const (
	bmRebalanceRegex = `BenchmarkRebalance`
	slashDelimiter   = `/`
	serversRegex     = `servers=(\d+)`
	fractionRegex    = `fraction=(\d+\.\d+)`

	spaceTabDelimiter = `[\ \t]+`
	numbersRegex      = `\d+`

	execTimeRegex       = `(\d+) ns/op`
	touchedRulesRegex   = `(\d+\.\d+) %touchedRules/op`
	rulesRegex          = `(\d+\.\d+) rules/op`
	allocatedBytesRegex = `(\d+) B/op`
	allocationsRegex    = `(\d+) allocs/op`
)

var regex = regexp.MustCompile(
	bmRebalanceRegex + slashDelimiter +
		serversRegex + slashDelimiter +
		fractionRegex + `-\d+` + spaceTabDelimiter +

		numbersRegex + spaceTabDelimiter +

		execTimeRegex + spaceTabDelimiter +
		touchedRulesRegex + spaceTabDelimiter +
		rulesRegex + spaceTabDelimiter +
		allocatedBytesRegex + spaceTabDelimiter +
		allocationsRegex,
)

func main() {
	if len(os.Args) != 2 {
		fmtExit(usage, os.Args[0])
	}

	logPath := os.Args[1]
	b, err := os.ReadFile(logPath)
	if err != nil {
		fmtExit("error reading benchmark log file: %s\n", logPath)
	}

	match := regex.FindAllSubmatch(b, -1)
	if match == nil {
		fmtExit("cannot match any records\n")
	}

	fmt.Println(
		"servers,fraction,execTime,touchedRules,rules,allocatedBytes,allocations",
	)
	for _, m := range match {
		fmt.Printf("%s,%s,%s,%s,%s,%s,%s\n", m[1], m[2], m[3], m[4], m[5], m[6], m[7])
	}
}

func fmtExit(format string, a ...any) {
	fmt.Printf(format, a...)
	os.Exit(1)
}
