package parse

import (
	"testing"
)

const multiCompanyResponse = `【发现 2 家匹配公司】

公司1：
公司全名：阿里巴巴集团控股有限公司
统一社会信用代码：91330100799655058B
法定代表人：张三
所属行业：互联网零售
是否为中国企业500强：是
是否上市：是
注册资金（亿元）：88.2
员工人数：250,000
成立时间：1999-09-09
2023年营业额（亿元）：8686.7
2023年净利润（亿元）：655.7
2022年营业额（亿元）：8530.6

公司2：
公司全名：阿里云计算有限公司
所属行业：云计算
是否为中国企业500强：否
是否上市：否
`

func TestIsMultiEntity(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"marker", "【发现 3 家匹配公司】\n...", true},
		{"chinese sections", "公司1：甲\n公司2：乙", true},
		{"english sections", "Entity 1: Acme Corp\nEntity 2: Beta LLC", true},
		{"single section only", "公司1：甲", false},
		{"plain json", `{"full_name": "Acme"}`, false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMultiEntity(tt.raw); got != tt.want {
				t.Errorf("IsMultiEntity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParser_ParseMultiEntity_ChineseSections(t *testing.T) {
	p := NewParser()

	res, ok := p.ParseMultiEntity(multiCompanyResponse)
	if !ok {
		t.Fatal("expected multi-entity detection")
	}
	if res[KeyMultiple] != true {
		t.Fatalf("multiple_entities = %v, want true", res[KeyMultiple])
	}
	if res[KeyCount] != 2 {
		t.Fatalf("count = %v, want 2", res[KeyCount])
	}

	entities := res[KeyEntities].([]QueryResult)
	first := entities[0]
	if first["full_name"] != "阿里巴巴集团控股有限公司" {
		t.Errorf("full_name = %v", first["full_name"])
	}
	if first["unified_social_credit_code"] != "91330100799655058B" {
		t.Errorf("credit code = %v", first["unified_social_credit_code"])
	}
	if first["is_top500"] != true {
		t.Errorf("is_top500 = %v, want true", first["is_top500"])
	}
	if first["employee_count"] != "250,000" {
		t.Errorf("employee_count = %v", first["employee_count"])
	}

	revenue := first["revenue"].(map[int]float64)
	if revenue[2023] != 8686.7 {
		t.Errorf("revenue[2023] = %v, want 8686.7", revenue[2023])
	}
	if revenue[2022] != 8530.6 {
		t.Errorf("revenue[2022] = %v, want 8530.6", revenue[2022])
	}
	profit := first["net_profit"].(map[int]float64)
	if profit[2023] != 655.7 {
		t.Errorf("net_profit[2023] = %v, want 655.7", profit[2023])
	}

	second := entities[1]
	if second["full_name"] != "阿里云计算有限公司" {
		t.Errorf("second full_name = %v", second["full_name"])
	}
	if second["is_listed"] != false {
		t.Errorf("second is_listed = %v, want false", second["is_listed"])
	}
}

func TestParser_ParseMultiEntity_EnglishSections(t *testing.T) {
	p := NewParser()

	raw := "Entity 1: Acme Corp\nIndustry notes here.\n\nEntity 2: Beta Logistics LLC\nMore notes."
	res, ok := p.ParseMultiEntity(raw)
	if !ok {
		t.Fatal("expected multi-entity detection")
	}
	if res[KeyCount] != 2 {
		t.Fatalf("count = %v, want 2", res[KeyCount])
	}

	entities := res[KeyEntities].([]QueryResult)
	if entities[0]["full_name"] != "Acme Corp" {
		t.Errorf("first name = %v, want Acme Corp", entities[0]["full_name"])
	}
	if entities[1]["full_name"] != "Beta Logistics LLC" {
		t.Errorf("second name = %v, want Beta Logistics LLC", entities[1]["full_name"])
	}
}

func TestParser_ParseMultiEntity_NotMulti(t *testing.T) {
	p := NewParser()

	if res, ok := p.ParseMultiEntity(`{"full_name": "Acme"}`); ok {
		t.Fatalf("expected fall-through for plain JSON, got %v", res)
	}
}

func TestParser_ParseMultiEntity_DropsNamelessSections(t *testing.T) {
	p := NewParser()

	// The second section carries no name at all, so only one entity remains.
	raw := "公司1：\n公司全名：甲公司\n\n公司2：\n\n"
	res, ok := p.ParseMultiEntity(raw)
	if !ok {
		t.Fatal("expected multi-entity detection")
	}
	if res[KeyCount] != 1 {
		t.Fatalf("count = %v, want 1", res[KeyCount])
	}
}

func TestParseEntitySection_BooleanFallbacks(t *testing.T) {
	section := "公司全名：丙公司\n已上市：SH600000\n企业500强：是\n"
	entity := parseEntitySection(section)
	if entity["is_listed"] != true {
		t.Errorf("is_listed = %v, want true (ticker cue)", entity["is_listed"])
	}
	if entity["is_top500"] != true {
		t.Errorf("is_top500 = %v, want true (alt phrasing)", entity["is_top500"])
	}
}

func TestParseEntitySection_DiscardsUnknownPlaceholders(t *testing.T) {
	section := "公司全名：丁公司\n法定代表人：未知\n注册地址：暂无\n"
	entity := parseEntitySection(section)
	if entity["legal_representative"] != "N/A" {
		t.Errorf("legal_representative = %v, want N/A", entity["legal_representative"])
	}
	if entity["registered_address"] != "N/A" {
		t.Errorf("registered_address = %v, want N/A", entity["registered_address"])
	}
}
