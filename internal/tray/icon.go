package tray

// iconData is a 16x16 PNG used for the tray icon.
var iconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff, 0x61, 0x00, 0x00, 0x00,
	0x37, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0xa0, 0x05, 0xd0,
	0xeb, 0x0e, 0xff, 0x8f, 0x0d, 0x53, 0xa4, 0x99, 0x28, 0x43, 0x08, 0x69,
	0xc6, 0x6b, 0x08, 0xb1, 0x9a, 0xb1, 0x1a, 0x42, 0xaa, 0x66, 0x0c, 0x43,
	0x46, 0x0d, 0xa0, 0x82, 0x01, 0x14, 0x47, 0x23, 0x55, 0x12, 0x12, 0x55,
	0x92, 0x32, 0x55, 0x32, 0x13, 0xa9, 0x00, 0x00, 0xcc, 0x23, 0x41, 0x34,
	0x4f, 0xa1, 0x29, 0x64, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44,
	0xae, 0x42, 0x60, 0x82,
}
