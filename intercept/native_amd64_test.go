//go:build linux

package intercept

import (
	"encoding/binary"
	"errors"
	"os"
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"
)

var prologue = []byte{
	0x55,                   // push rbp
	0x48, 0x89, 0xe5,       // mov rbp, rsp
	0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
	0x48, 0x89, 0x7d, 0xf8, // mov [rbp-0x8], rdi
	0x89, 0x75, 0xf4,       // mov [rbp-0xc], esi
	0x90, 0x90,             // nop; nop
	0xc3,                   // ret
}

var _ = Describe("Native", func() {
	var (
		n      *Native
		page   []byte
		target uintptr
	)

	load := func(code []byte) {
		Expect(unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)).To(Succeed())
		copy(page[0x100:], code)
	}

	BeforeEach(func() {
		var err error
		page, err = unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
		Expect(err).To(BeNil())
		for i := range page {
			page[i] = opcodeINT3
		}
		target = uintptr(unsafe.Pointer(&page[0x100]))
		n = NewNative()
	})

	AfterEach(func() {
		Expect(unix.Munmap(page)).To(Succeed())
	})

	Context("Relocatable prologue", func() {
		BeforeEach(func() {
			load(prologue)
		})

		It("should steal whole instructions", func() {
			stolen, err := stealLength(prologue)
			Expect(err).To(BeNil())
			Expect(stolen).To(Equal(15))
		})

		It("should jump to the entry and keep the original in a trampoline", func() {
			const entry = uintptr(0x7f0000001000)

			origin, err := n.Install(target, entry)
			Expect(err).To(BeNil())
			Expect(origin).NotTo(BeZero())

			patched := page[0x100 : 0x100+15]
			Expect(patched[:6]).To(Equal([]byte{0xff, 0x25, 0, 0, 0, 0}))
			Expect(uintptr(binary.LittleEndian.Uint64(patched[6:14]))).To(Equal(entry))
			Expect(patched[14]).To(Equal(byte(opcodeINT3)))

			tramp := rawMemoryAccess(origin, 15+jumpSize)
			Expect(tramp[:15]).To(Equal(prologue[:15]))
			Expect(tramp[15:21]).To(Equal([]byte{0xff, 0x25, 0, 0, 0, 0}))
			Expect(uintptr(binary.LittleEndian.Uint64(tramp[21:29]))).To(Equal(target + 15))
		})

		It("should move the jump on redirect", func() {
			_, err := n.Install(target, 0x1000)
			Expect(err).To(BeNil())

			Expect(n.Redirect(target, 0x2000)).To(Succeed())
			Expect(binary.LittleEndian.Uint64(page[0x100+6:])).To(Equal(uint64(0x2000)))
		})

		It("should restore the prologue on remove", func() {
			_, err := n.Install(target, 0x1000)
			Expect(err).To(BeNil())

			Expect(n.Remove(target)).To(Succeed())
			Expect(page[0x100 : 0x100+len(prologue)]).To(Equal(prologue))

			_, err = n.Install(target, 0x1000)
			Expect(err).To(BeNil())
		})

		It("should refuse a second install", func() {
			_, err := n.Install(target, 0x1000)
			Expect(err).To(BeNil())

			_, err = n.Install(target, 0x2000)
			Expect(errors.Is(err, ErrAlreadyInstalled)).To(BeTrue())
		})

		It("should refuse unknown targets", func() {
			Expect(errors.Is(n.Redirect(target, 0x1000), ErrNotInstalled)).To(BeTrue())
			Expect(errors.Is(n.Remove(target), ErrNotInstalled)).To(BeTrue())
		})
	})

	DescribeTable("Unrelocatable prologue",
		func(code []byte) {
			load(code)
			_, err := n.Install(target, 0x1000)
			Expect(errors.Is(err, ErrBadPrologue)).To(BeTrue())
			Expect(page[0x100 : 0x100+len(code)]).To(Equal(code))
		},
		Entry("rip-relative load", []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}),
		Entry("relative call", []byte{0x55, 0xe8, 0, 0, 0, 0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}),
		Entry("early return", []byte{0xc3}),
	)

	It("should report unreadable targets", func() {
		_, err := n.Install(0x10, 0x1000)
		Expect(errors.Is(err, ErrFault)).To(BeTrue())
	})
})

var _ = Describe("Trampoline arena", func() {
	var a *arena

	BeforeEach(func() {
		a = &arena{}
	})

	It("should place code padded with int3", func() {
		buf, err := a.place([]byte{0x90, 0xc3}, 16)
		Expect(err).To(BeNil())
		Expect(buf).To(HaveLen(16))
		Expect(buf[:2]).To(Equal([]byte{0x90, 0xc3}))
		for _, b := range buf[2:] {
			Expect(b).To(Equal(byte(opcodeINT3)))
		}
	})

	It("should reuse released blocks", func() {
		first, err := a.place([]byte{0xc3}, 16)
		Expect(err).To(BeNil())
		Expect(a.release(first)).To(Succeed())

		second, err := a.place([]byte{0x90}, 16)
		Expect(err).To(BeNil())
		Expect(second[0]).To(Equal(byte(0x90)))
	})
})
