package correction

// phrase maps an ASCII-folded OCR rendering to its accented form. Matching
// is case-insensitive on whole words and the replacement follows the case
// of the matched text. Longer phrases come before phrases they contain.
type phrase struct {
	from, to string
}

// pattern is a regular expression rewrite; replacement may use $1 style
// group references.
type pattern struct {
	expr, replacement string
}

// phraseGroup is a category-tagged block of phrase rules.
type phraseGroup struct {
	category Category
	phrases  []phrase
}

// Stage 5: glyph confusions and high-frequency administrative terms.
var characterPatterns = []pattern{
	{`\x{00D0}`, "Đ"}, // Latin capital eth read in place of D with stroke
	{`\x{00F0}`, "đ"},
	{`\x{0189}`, "Đ"},
}

var characterPhrases = []phrase{
	{"Cong hoa xa hoi chu nghia Viet Nam", "Cộng hòa xã hội chủ nghĩa Việt Nam"},
	{"Doc lap - Tu do - Hanh phuc", "Độc lập - Tự do - Hạnh phúc"},
	{"Thanh pho Ho Chi Minh", "Thành phố Hồ Chí Minh"},
	{"Can cuoc cong dan", "Căn cước công dân"},
	{"Chung minh nhan dan", "Chứng minh nhân dân"},
	{"So dien thoai", "Số điện thoại"},
	{"Dien thoai", "Điện thoại"},
	{"Dia chi", "Địa chỉ"},
	{"Ho va ten", "Họ và tên"},
	{"Ho ten", "Họ tên"},
	{"Ngay thang nam", "Ngày tháng năm"},
	{"Ngay sinh", "Ngày sinh"},
	{"Noi sinh", "Nơi sinh"},
	{"Quoc tich", "Quốc tịch"},
	{"Que quan", "Quê quán"},
	{"Gioi tinh", "Giới tính"},
	{"Noi cap", "Nơi cấp"},
	{"Ngay cap", "Ngày cấp"},
	{"Thuong tru", "Thường trú"},
	{"Tam tru", "Tạm trú"},
	{"Ma so thue", "Mã số thuế"},
	{"So tai khoan", "Số tài khoản"},
	{"Ngan hang", "Ngân hàng"},
	{"Nguoi dai dien", "Người đại diện"},
	{"Dai dien", "Đại diện"},
	{"Chuc vu", "Chức vụ"},
	{"Tong giam doc", "Tổng giám đốc"},
	{"Giam doc", "Giám đốc"},
	{"Chu ky", "Chữ ký"},
	{"Ky ten", "Ký tên"},
	{"Dong dau", "Đóng dấu"},
	{"Ho Chi Minh", "Hồ Chí Minh"},
	{"Ha Noi", "Hà Nội"},
	{"Da Nang", "Đà Nẵng"},
	{"Hai Phong", "Hải Phòng"},
	{"Can Tho", "Cần Thơ"},
	{"Viet Nam", "Việt Nam"},
	{"Thanh pho", "Thành phố"},
	{"Phuong", "Phường"},
	{"Huyen", "Huyện"},
}

// Stage 6: general business and legal vocabulary.
var vocabularyPhrases = []phrase{
	{"trach nhiem huu han", "trách nhiệm hữu hạn"},
	{"trach nhiem", "trách nhiệm"},
	{"hop dong", "hợp đồng"},
	{"ben A", "bên A"},
	{"ben B", "bên B"},
	{"dieu khoan", "điều khoản"},
	{"quyen loi", "quyền lợi"},
	{"nghia vu", "nghĩa vụ"},
	{"thoa thuan", "thỏa thuận"},
	{"thanh toan", "thanh toán"},
	{"gia tri", "giá trị"},
	{"thoi han", "thời hạn"},
	{"hieu luc", "hiệu lực"},
	{"cong ty", "công ty"},
	{"doanh nghiep", "doanh nghiệp"},
	{"co phan", "cổ phần"},
	{"bao hiem", "bảo hiểm"},
	{"hoa don", "hóa đơn"},
	{"so luong", "số lượng"},
	{"don gia", "đơn giá"},
	{"thanh tien", "thành tiền"},
	{"tong cong", "tổng cộng"},
	{"van ban", "văn bản"},
	{"quyet dinh", "quyết định"},
	{"thong bao", "thông báo"},
	{"bien ban", "biên bản"},
	{"giay phep", "giấy phép"},
	{"dang ky", "đăng ký"},
	{"ho so", "hồ sơ"},
	{"cam ket", "cam kết"},
	{"xac nhan", "xác nhận"},
}

// Bare "dieu" is nearly always "điều" in these documents. It runs after the
// domain groups, which still need to see "dieu tri" and "von dieu le".
var lateVocabularyPhrases = []phrase{
	{"dieu", "điều"},
}

// Stage 7: domain vocabulary, each group tracked under its own category.
var domainGroups = []phraseGroup{
	{LegalVocabularyFix, []phrase{
		{"Bo luat", "Bộ luật"},
		{"Luat", "Luật"},
		{"dan su", "dân sự"},
		{"hinh su", "hình sự"},
		{"Nghi dinh", "Nghị định"},
		{"Thong tu", "Thông tư"},
		{"Quoc hoi", "Quốc hội"},
		{"Chinh phu", "Chính phủ"},
		{"can cu", "căn cứ"},
		{"phap luat", "pháp luật"},
		{"toa an", "tòa án"},
		{"tranh chap", "tranh chấp"},
		{"trong tai", "trọng tài"},
		{"vi pham", "vi phạm"},
		{"boi thuong", "bồi thường"},
	}},
	{DomainCorporate, []phrase{
		{"dai hoi dong co dong", "đại hội đồng cổ đông"},
		{"hoi dong quan tri", "hội đồng quản trị"},
		{"co dong", "cổ đông"},
		{"von dieu le", "vốn điều lệ"},
		{"chi nhanh", "chi nhánh"},
		{"tru so chinh", "trụ sở chính"},
		{"ban kiem soat", "ban kiểm soát"},
		{"thanh vien", "thành viên"},
	}},
	{DomainFinancial, []phrase{
		{"bao cao tai chinh", "báo cáo tài chính"},
		{"tai chinh", "tài chính"},
		{"ke toan", "kế toán"},
		{"kiem toan", "kiểm toán"},
		{"loi nhuan", "lợi nhuận"},
		{"tai san", "tài sản"},
		{"ngan sach", "ngân sách"},
		{"cong no", "công nợ"},
		{"lai suat", "lãi suất"},
		{"tien mat", "tiền mặt"},
		{"chuyen khoan", "chuyển khoản"},
	}},
	{DomainRealEstate, []phrase{
		{"quyen su dung dat", "quyền sử dụng đất"},
		{"ben cho thue", "bên cho thuê"},
		{"ben thue", "bên thuê"},
		{"cho thue", "cho thuê"},
		{"tien thue", "tiền thuê"},
		{"nha o", "nhà ở"},
		{"dien tich", "diện tích"},
		{"thua dat", "thửa đất"},
		{"to ban do", "tờ bản đồ"},
		{"can ho", "căn hộ"},
		{"chung cu", "chung cư"},
		{"mat bang", "mặt bằng"},
		{"dat coc", "đặt cọc"},
	}},
	{DomainEmployment, []phrase{
		{"nguoi su dung lao dong", "người sử dụng lao động"},
		{"nguoi lao dong", "người lao động"},
		{"lao dong", "lao động"},
		{"tien luong", "tiền lương"},
		{"muc luong", "mức lương"},
		{"thoi gio lam viec", "thời giờ làm việc"},
		{"nghi phep", "nghỉ phép"},
		{"thu viec", "thử việc"},
		{"phu cap", "phụ cấp"},
		{"xa hoi", "xã hội"},
	}},
	{DomainHealthcare, []phrase{
		{"benh vien", "bệnh viện"},
		{"benh nhan", "bệnh nhân"},
		{"kham benh", "khám bệnh"},
		{"chan doan", "chẩn đoán"},
		{"dieu tri", "điều trị"},
		{"bac si", "bác sĩ"},
		{"xet nghiem", "xét nghiệm"},
		{"don thuoc", "đơn thuốc"},
		{"y te", "y tế"},
	}},
	{DomainAgriculture, []phrase{
		{"thuoc bao ve thuc vat", "thuốc bảo vệ thực vật"},
		{"nong nghiep", "nông nghiệp"},
		{"nong dan", "nông dân"},
		{"cay trong", "cây trồng"},
		{"vat nuoi", "vật nuôi"},
		{"phan bon", "phân bón"},
		{"thu hoach", "thu hoạch"},
		{"lua gao", "lúa gạo"},
		{"thuy san", "thủy sản"},
		{"chan nuoi", "chăn nuôi"},
	}},
	{DomainAdministrative, []phrase{
		{"Uy ban nhan dan", "Ủy ban nhân dân"},
		{"co quan", "cơ quan"},
		{"cong van", "công văn"},
		{"to trinh", "tờ trình"},
		{"kinh gui", "kính gửi"},
		{"noi nhan", "nơi nhận"},
		{"trich yeu", "trích yếu"},
		{"de nghi", "đề nghị"},
		{"phe duyet", "phê duyệt"},
	}},
	{DomainGovernment, []phrase{
		{"Hoi dong nhan dan", "Hội đồng nhân dân"},
		{"Dang Cong san", "Đảng Cộng sản"},
		{"Bo truong", "Bộ trưởng"},
		{"Thu tuong", "Thủ tướng"},
		{"Chu tich", "Chủ tịch"},
		{"Nha nuoc", "Nhà nước"},
		{"Van phong", "Văn phòng"},
	}},
}

// Stage 3: mechanical OCR noise.
var artifactPatterns = []pattern{
	{`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`, ""},
	{`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}\x{FFFD}]`, ""},
	{`\x{00A0}`, " "},
	{`\x{FB01}`, "fi"},
	{`\x{FB02}`, "fl"},
	{`!{2,}`, "!"},
	{`\?{2,}`, "?"},
	{`,{2,}`, ","},
	{`;{2,}`, ";"},
	{`:{2,}`, ":"},
	{`\.{4,}`, "..."},
	{`(?m)^[ \t]*[|\x{00A6}~^\x60\x{00B4}\x{00A8}\x{2022}\x{00B7}*]{1,3}[ \t]*$`, ""},
	{`[ \t]+[|\x{00A6}][ \t]+`, " "},
}

// Stage 9: layout touch-ups keyed by document type. Rules that insert a
// separator only fire when text follows, so no trailing blanks appear.
var articleRules = []pattern{
	{`(?m)^([ \t]*)(?i:điều|dieu)[ \t]*(\d+)[ \t]*[.:][ \t]*([^\s\d])`, "${1}Điều ${2}. ${3}"},
	{`(?m)^([ \t]*)(?i:điều|dieu)[ \t]*(\d+)[ \t]*[.:][ \t]*$`, "${1}Điều ${2}."},
	{`(?m)^([ \t]*)(?i:chương|chuong)[ \t]+([IVXLC]+|\d+)\b`, "${1}CHƯƠNG ${2}"},
}

var recipientsRule = pattern{`(?m)^([ \t]*)(?i:nơi nhận|noi nhan)[ \t]*:?[ \t]*$`, "${1}Nơi nhận:"}

var structureRules = map[DocumentType][]pattern{
	LeaseContract: articleRules,
	LaborContract: articleRules,
	SalesContract: articleRules,
	Decision:      append([]pattern{recipientsRule}, articleRules...),
	OfficialLetter: {
		{`(?m)(^|[ \t])[Vv][ \t]*/[ \t]*[Vv][ \t]*[.:]?[ \t]*([^\s.:/])`, "${1}V/v: ${2}"},
		{`(?m)^([ \t]*)(?i:kính gửi|kinh gui)[ \t]*:?[ \t]*([^\s:])`, "${1}Kính gửi: ${2}"},
		recipientsRule,
	},
	Invoice: {
		{`(?m)^([ \t]*)(?i:tổng cộng|tong cong)[ \t]*:?[ \t]*([^\s:])`, "${1}Tổng cộng: ${2}"},
	},
}

// Stage 1: textual signatures, matched on accent-folded lowercase text.
// Registration order breaks ties.
var documentSignatures = []struct {
	docType    DocumentType
	signatures []string
}{
	{LeaseContract, []string{"hop dong thue", "ben cho thue", "ben thue", "tien thue", "thoi han thue", "dat coc"}},
	{LaborContract, []string{"hop dong lao dong", "nguoi lao dong", "nguoi su dung lao dong", "tien luong", "thu viec"}},
	{SalesContract, []string{"hop dong mua ban", "ben ban", "ben mua", "giao hang", "don gia"}},
	{Invoice, []string{"hoa don", "gia tri gia tang", "ma so thue", "thanh tien", "tong cong", "so luong"}},
	{Decision, []string{"quyet dinh", "can cu", "dieu 1", "noi nhan", "co hieu luc"}},
	{OfficialLetter, []string{"cong van", "kinh gui", "trich yeu", "v/v"}},
	{MeetingMinutes, []string{"bien ban", "thanh phan", "chu tri", "thu ky", "cuoc hop"}},
	{LandCertificate, []string{"quyen su dung dat", "thua dat", "to ban do", "dien tich", "muc dich su dung"}},
	{MedicalRecord, []string{"benh vien", "chan doan", "benh nhan", "dieu tri", "xet nghiem"}},
	{IdentityDocument, []string{"can cuoc", "chung minh nhan dan", "quoc tich", "que quan", "noi thuong tru"}},
}

// Stage 2: tokens copied through verbatim.
var preservedPatterns = []string{
	// Legal document numbers: 15/2023/NĐ-CP, 45/2019/QH14, 123/QĐ-UBND.
	`\d{1,5}/\d{4}/[A-ZĐ][A-ZĐ0-9]*(?:-[A-ZĐ0-9]+)*`,
	`\d{1,5}/[A-ZĐ]{2,}(?:-[A-ZĐ0-9]+)+`,
	`https?://[^\s]+`,
	`[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)+`,
	// Phone numbers: 0912 345 678, +84 912.345.678
	`(?:\+84|\b0)(?:[ .-]?\d){9,10}\b`,
	`\d{9,}`,
	// Alphanumeric codes: MST0101234567, HD-20230015
	`\b[A-Z]{1,5}-?\d{4,}[A-Z0-9]*\b`,
}
