// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package amp

import "testing"

func TestUtilityKind_FLOGIsElastic(t *testing.T) {
	if !UtilityLOG.IsElastic() {
		t.Fatal("LOG must be elastic")
	}
	if !UtilityFLOG.IsElastic() {
		t.Fatal("FLOG must be elastic (fixing the source's broken string-compare check)")
	}
	if UtilitySTRAP.IsElastic() {
		t.Fatal("STRAP must not be elastic")
	}
	if UtilityTRAP.IsElastic() {
		t.Fatal("TRAP must not be elastic")
	}
}

func TestParseServiceDef_RoundTrip(t *testing.T) {
	s := "5000-5010;1400;0;0;20;50;type=STRAP:p=3:m=500000:delta=0.1"
	def, err := ParseServiceDef(s)
	if err != nil {
		t.Fatalf("ParseServiceDef: %v", err)
	}
	if def.LoPort != 5000 || def.HiPort != 5010 {
		t.Fatalf("ports = %d-%d, want 5000-5010", def.LoPort, def.HiPort)
	}
	if def.Utility.Kind() != UtilitySTRAP {
		t.Fatalf("kind = %v, want STRAP", def.Utility.Kind())
	}
	if def.Utility.Priority() != 3 {
		t.Fatalf("priority = %d, want 3", def.Utility.Priority())
	}
	if def.Utility.NominalRateBps() != 500000 {
		t.Fatalf("nominal rate = %v, want 500000", def.Utility.NominalRateBps())
	}
	if got := def.String(); got != s {
		t.Fatalf("String() = %q, want %q", got, s)
	}
}

func TestParseServiceDef_MalformedRejected(t *testing.T) {
	if _, err := ParseServiceDef("not;enough;fields"); err == nil {
		t.Fatal("expected error for malformed service def")
	}
}

func TestLogUtility_MarginalUtilityDecreasesWithRate(t *testing.T) {
	u := &LogUtility{Priority_: 1}
	low := u.MarginalUtility(10)
	high := u.MarginalUtility(1000)
	if !(low > high) {
		t.Fatalf("marginal utility should decrease with rate: low=%v high=%v", low, high)
	}
}

func TestStrapUtility_StepBehavior(t *testing.T) {
	u := &StrapUtility{Priority_: 2, NominalRate: 100}
	if u.Utility(50) != 0 {
		t.Fatal("STRAP utility below nominal rate must be 0")
	}
	if u.Utility(100) != 2 {
		t.Fatal("STRAP utility at nominal rate must equal priority")
	}
}
