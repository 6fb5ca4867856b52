// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package skills maps classification issue-type codes to the skill keywords
// a responder needs to handle them.
package skills

import (
	"sort"
	"strings"
)

// UrgentSupport is appended to the required skills of high-priority tickets.
const UrgentSupport = "Urgent Support"

// Catalog maps an issue-type code to its required-skill keywords.
type Catalog map[string][]string

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		"4":  {"Hardware", "Network", "Assessment"},
		"5":  {"Software", "Installation", "SaaS"},
		"6":  {"Network", "VPN", "Remote Access"},
		"7":  {"Assessment", "Network Analysis", "Site Survey"},
		"8":  {"Server", "Administration", "Database"},
		"9":  {"Active Directory", "File Permissions", "Access Control"},
		"11": {"Cloud", "Email", "Office 365", "OneDrive", "SharePoint", "Cloud Workspace"},
		"13": {"Backup", "DATTO", "Azure", "Backup Management"},
		"14": {"Cybersecurity", "Intrusion", "Security"},
		"15": {"Email", "Security", "Password"},
		"18": {"Printer", "Printing", "Hardware"},
	}
}

// Merge returns a copy of c with the entries of overrides replacing or adding
// issue types.
func (c Catalog) Merge(overrides map[string][]string) Catalog {
	out := make(Catalog, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// urgentPriorities are the priority values that add UrgentSupport.
var urgentPriorities = map[string]bool{
	"high":     true,
	"critical": true,
	"urgent":   true,
	"1":        true,
}

// Required derives the deduplicated skill keywords for a ticket. The result
// is sorted so that scoring is deterministic for a given input.
func (c Catalog) Required(issueType, priority string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}

	for _, s := range c[strings.TrimSpace(issueType)] {
		add(s)
	}
	if urgentPriorities[strings.ToLower(strings.TrimSpace(priority))] {
		add(UrgentSupport)
	}

	sort.Strings(out)
	return out
}
