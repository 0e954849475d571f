package sources

import "strings"

// countryNames maps ISO 3166-1 alpha-2 codes to the display names used in
// merged records. Politically loaded entries use the short common name
// ("North Korea", not "Korea, Democratic People's Republic of") so that
// values line up across sources.
var countryNames = map[string]string{
	"AE": "United Arab Emirates",
	"AF": "Afghanistan",
	"AL": "Albania",
	"AM": "Armenia",
	"AR": "Argentina",
	"AT": "Austria",
	"AU": "Australia",
	"AZ": "Azerbaijan",
	"BA": "Bosnia and Herzegovina",
	"BD": "Bangladesh",
	"BE": "Belgium",
	"BG": "Bulgaria",
	"BH": "Bahrain",
	"BR": "Brazil",
	"BY": "Belarus",
	"CA": "Canada",
	"CH": "Switzerland",
	"CL": "Chile",
	"CN": "China",
	"CO": "Colombia",
	"CU": "Cuba",
	"CZ": "Czech Republic",
	"DE": "Germany",
	"DK": "Denmark",
	"DZ": "Algeria",
	"EE": "Estonia",
	"EG": "Egypt",
	"ES": "Spain",
	"ET": "Ethiopia",
	"FI": "Finland",
	"FR": "France",
	"GB": "United Kingdom",
	"GE": "Georgia",
	"GR": "Greece",
	"HK": "Hong Kong",
	"HR": "Croatia",
	"HU": "Hungary",
	"ID": "Indonesia",
	"IE": "Ireland",
	"IL": "Israel",
	"IN": "India",
	"IQ": "Iraq",
	"IR": "Iran",
	"IS": "Iceland",
	"IT": "Italy",
	"JO": "Jordan",
	"JP": "Japan",
	"KE": "Kenya",
	"KG": "Kyrgyzstan",
	"KP": "North Korea",
	"KR": "South Korea",
	"KW": "Kuwait",
	"KZ": "Kazakhstan",
	"LB": "Lebanon",
	"LK": "Sri Lanka",
	"LT": "Lithuania",
	"LU": "Luxembourg",
	"LV": "Latvia",
	"LY": "Libya",
	"MA": "Morocco",
	"MD": "Moldova",
	"MK": "North Macedonia",
	"MM": "Myanmar",
	"MN": "Mongolia",
	"MX": "Mexico",
	"MY": "Malaysia",
	"NG": "Nigeria",
	"NL": "Netherlands",
	"NO": "Norway",
	"NP": "Nepal",
	"NZ": "New Zealand",
	"OM": "Oman",
	"PE": "Peru",
	"PH": "Philippines",
	"PK": "Pakistan",
	"PL": "Poland",
	"PS": "Palestine",
	"PT": "Portugal",
	"QA": "Qatar",
	"RO": "Romania",
	"RS": "Serbia",
	"RU": "Russia",
	"SA": "Saudi Arabia",
	"SD": "Sudan",
	"SE": "Sweden",
	"SG": "Singapore",
	"SI": "Slovenia",
	"SK": "Slovakia",
	"SY": "Syria",
	"TH": "Thailand",
	"TJ": "Tajikistan",
	"TM": "Turkmenistan",
	"TN": "Tunisia",
	"TR": "Turkey",
	"TW": "Taiwan",
	"TZ": "Tanzania",
	"UA": "Ukraine",
	"UG": "Uganda",
	"US": "United States",
	"UZ": "Uzbekistan",
	"VE": "Venezuela",
	"VN": "Vietnam",
	"YE": "Yemen",
	"ZA": "South Africa",
	"ZW": "Zimbabwe",
}

// countryName resolves an alpha-2 code to its display name.
func countryName(code string) (string, bool) {
	name, ok := countryNames[strings.ToUpper(strings.TrimSpace(code))]
	return name, ok
}
