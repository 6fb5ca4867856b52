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

package app

import (
	"testing"

	"github.com/anant-lad/EasyMyTicket/internal/config"
)

func TestMailboxConfig(t *testing.T) {
	m := config.MailboxConfig{
		Host:     "imap.example.com",
		Port:     993,
		UseSSL:   true,
		Username: "support@example.com",
		Password: "pw",
		Folder:   "INBOX",
	}

	mc := MailboxConfig(m)
	if mc.OAuth != nil {
		t.Error("OAuth set without a client ID")
	}
	if mc.Host != m.Host || mc.Port != 993 || !mc.UseSSL || mc.Password != "pw" {
		t.Errorf("config = %+v", mc)
	}

	m.OAuthClientID = "client"
	m.OAuthTokenURL = "https://login.example.com/token"
	m.OAuthScopes = []string{"https://outlook.office365.com/.default"}
	mc = MailboxConfig(m)
	if mc.OAuth == nil || mc.OAuth.ClientID != "client" || len(mc.OAuth.Scopes) != 1 {
		t.Errorf("oauth = %+v", mc.OAuth)
	}
}
