// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package dtables

import (
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("write fails")
}

var _ = Describe("report rendering", func() {

	It("renders hex dumps four bytes per line", func() {
		var sb strings.Builder
		s := &sink{w: &sb}
		s.hexdump([]byte{0x5F, 0x4D, 0x50, 0x5F, 0x00, 0x10})
		Expect(s.err).NotTo(HaveOccurred())
		Expect(sb.String()).To(Equal("\n0x000: 5F 4D 50 5F\n0x004: 00 10\n"))
	})

	It("stops at the first write error", func() {
		w := &failingWriter{}
		s := &sink{w: w}
		s.printf("foo")
		s.printf("bar")
		s.hexdump([]byte{1, 2, 3})
		Expect(s.err).To(MatchError("write fails"))
		Expect(w.writes).To(Equal(1))
	})

	It("applies report options", func() {
		Expect(newReportOptions(nil)).To(Equal(reportOptions{}))
		img := NewImage()
		o := newReportOptions([]ReportOption{WithDecodedFields(), WithHandlerDisassembly(img)})
		Expect(o.decoded).To(BeTrue())
		Expect(o.disasm).To(BeIdenticalTo(img))
	})

})
