package vkabi

import "testing"

func TestImageUsageHas(t *testing.T) {
	u := ImageUsageSampled | ImageUsageTransferSrc
	if !u.Has(ImageUsageSampled | ImageUsageTransferSrc) {
		t.Fatal("expected both bits present")
	}
	if u.Has(ImageUsageStorage) {
		t.Fatal("did not expect storage bit")
	}
}

func TestKnownSRGBUnormPair(t *testing.T) {
	unorm, ok := KnownSRGBUnormPair(FormatB8G8R8A8Srgb)
	if !ok || unorm != FormatB8G8R8A8Unorm {
		t.Fatalf("unexpected pair: %v %v", unorm, ok)
	}
	if _, ok := KnownSRGBUnormPair(FormatR16G16B16A16Sfloat); ok {
		t.Fatal("expected no pair for sfloat format")
	}
}

func TestAcceptedColorSpace(t *testing.T) {
	if !AcceptedColorSpace(ColorSpaceSRGBNonlinear) {
		t.Fatal("expected sRGB nonlinear accepted")
	}
	if AcceptedColorSpace(ColorSpace(9999)) {
		t.Fatal("expected unknown color space rejected")
	}
}
